package logs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladpipe/ladpipe/pkg/manifest"
)

// routingFilterAPI serves a canned response per log group so concurrent
// jobs stay independent.
type routingFilterAPI struct {
	byGroup map[string]*cloudwatchlogs.FilterLogEventsOutput
	errs    map[string]error
}

func (f *routingFilterAPI) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	group := aws.ToString(params.LogGroupName)
	if err, ok := f.errs[group]; ok {
		return nil, err
	}
	if out, ok := f.byGroup[group]; ok {
		return out, nil
	}
	return &cloudwatchlogs.FilterLogEventsOutput{}, nil
}

func TestBatchRunnerPartialFailure(t *testing.T) {
	outDir := t.TempDir()
	client := &routingFilterAPI{
		byGroup: map[string]*cloudwatchlogs.FilterLogEventsOutput{
			"/app/a": {Events: []types.FilteredLogEvent{event(10, "a")}},
			"/app/c": {Events: []types.FilteredLogEvent{event(20, "c"), event(30, "cc")}},
		},
		errs: map[string]error{
			"/app/b": &smithy.GenericAPIError{Code: "AccessDeniedException"},
		},
	}
	runner := &BatchRunner{
		Fetcher:     NewFetcher(client, testExecutor(), nil),
		OutDir:      outDir,
		Concurrency: 2,
	}
	jobs := []manifest.Job{
		{LogGroup: "/app/a", OutputName: "a.json"},
		{LogGroup: "/app/b", OutputName: "b.json"},
		{LogGroup: "/app/c", OutputName: "c.json"},
	}

	results := runner.Run(context.Background(), jobs, testWindow())
	require.Len(t, results, 3)

	// Results come back in job order regardless of completion order
	assert.Equal(t, "/app/a", results[0].Job.LogGroup)
	assert.Equal(t, "/app/b", results[1].Job.LogGroup)
	assert.Equal(t, "/app/c", results[2].Job.LogGroup)

	assert.False(t, results[0].Failed())
	assert.Equal(t, 1, results[0].Events)
	assert.True(t, results[1].Failed())
	assert.NotEmpty(t, results[1].Error)
	assert.False(t, results[2].Failed())
	assert.Equal(t, 2, results[2].Events)

	// Siblings of the failed job still produced artifacts
	for _, name := range []string{"a.json", "c.json"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}
	_, err := os.Stat(filepath.Join(outDir, "b.json"))
	assert.True(t, os.IsNotExist(err), "failed job must not leave an artifact")
}

func TestBatchRunnerEmptyJobWritesEmptyArtifact(t *testing.T) {
	outDir := t.TempDir()
	runner := &BatchRunner{
		Fetcher: NewFetcher(&routingFilterAPI{}, testExecutor(), nil),
		OutDir:  outDir,
	}

	results := runner.Run(context.Background(), []manifest.Job{
		{LogGroup: "/app/quiet", OutputName: "quiet.json"},
	}, testWindow())

	require.Len(t, results, 1)
	require.False(t, results[0].Failed())
	assert.Zero(t, results[0].Events)

	data, err := os.ReadFile(filepath.Join(outDir, "quiet.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestBatchRunnerBoundsConcurrency(t *testing.T) {
	outDir := t.TempDir()
	runner := &BatchRunner{
		Fetcher:     NewFetcher(&routingFilterAPI{}, testExecutor(), nil),
		OutDir:      outDir,
		Concurrency: 0, // treated as 1
	}

	jobs := make([]manifest.Job, 8)
	for i := range jobs {
		jobs[i] = manifest.Job{
			LogGroup:   fmt.Sprintf("/app/%d", i),
			OutputName: fmt.Sprintf("%d.json", i),
		}
	}

	results := runner.Run(context.Background(), jobs, testWindow())
	require.Len(t, results, 8)
	for i, r := range results {
		assert.False(t, r.Failed(), "job %d", i)
	}
}
