package logs

import (
	"context"
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/rs/zerolog/log"

	"github.com/ladpipe/ladpipe/pkg/awsx"
	"github.com/ladpipe/ladpipe/pkg/manifest"
	"github.com/ladpipe/ladpipe/pkg/retry"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

// errEmptyResponse marks a transport success that carried no decodable
// body. Fatal for the owning job, never a retry condition.
var errEmptyResponse = errors.New("empty response body")

// FilterAPI is the slice of the CloudWatch Logs API the fetcher uses.
type FilterAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Fetcher walks the continuation-token protocol of FilterLogEvents and
// produces a single time-ordered event sequence per job. The pagination
// cursor never leaves the fetch loop.
type Fetcher struct {
	client  FilterAPI
	exec    *retry.Executor
	metrics *telemetry.Metrics
}

// NewFetcher creates a fetcher. metrics may be nil.
func NewFetcher(client FilterAPI, exec *retry.Executor, metrics *telemetry.Metrics) *Fetcher {
	return &Fetcher{client: client, exec: exec, metrics: metrics}
}

// Fetch retrieves all events for one job within the window, sorted by
// timestamp ascending. The sort is stable: ties keep arrival order. Zero
// observed events yield an empty (non-nil) slice, not an error. The
// returned page count covers every page requested, including empty ones.
func (f *Fetcher) Fetch(ctx context.Context, job manifest.Job, w manifest.Window) ([]Event, int, error) {
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(job.LogGroup),
		StartTime:    aws.Int64(w.StartMillis()),
		EndTime:      aws.Int64(w.EndMillis()),
	}
	if pattern := BuildFilterPattern(job.LabelKey, job.LabelValue); pattern != "" {
		input.FilterPattern = aws.String(pattern)
	}

	events := make([]Event, 0, 256)
	pages := 0

	for {
		page, err := retry.Do(ctx, f.exec, func(ctx context.Context) (*cloudwatchlogs.FilterLogEventsOutput, error) {
			out, err := f.client.FilterLogEvents(ctx, input)
			return out, awsx.Classify("cloudwatchlogs.FilterLogEvents", err)
		})
		f.observeCall("FilterLogEvents", err)
		if err != nil {
			return nil, pages, err
		}
		if page == nil {
			return nil, pages, awsx.Classify("cloudwatchlogs.FilterLogEvents", errEmptyResponse)
		}
		pages++

		for _, ev := range page.Events {
			events = append(events, Event{
				Timestamp: aws.ToInt64(ev.Timestamp),
				Message:   aws.ToString(ev.Message),
				LogStream: aws.ToString(ev.LogStreamName),
			})
		}

		token := aws.ToString(page.NextToken)
		if token == "" {
			break
		}
		input.NextToken = aws.String(token)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	log.Debug().
		Str("log_group", job.LogGroup).
		Int("events", len(events)).
		Int("pages", pages).
		Msg("Fetch complete")

	if f.metrics != nil {
		f.metrics.AddPagesFetched(pages)
		f.metrics.AddEventsFetched(len(events))
	}
	return events, pages, nil
}

func (f *Fetcher) observeCall(op string, err error) {
	if f.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(awsx.KindOf(err))
	}
	f.metrics.ObserveRemoteCall("cloudwatchlogs", op, outcome)
}
