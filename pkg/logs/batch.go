package logs

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ladpipe/ladpipe/pkg/manifest"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

// BatchRunner fetches every job of a retrieval batch and writes one
// artifact per job. Jobs run as independent concurrent tasks; a fatal
// failure on one job never prevents its siblings from completing.
type BatchRunner struct {
	Fetcher     *Fetcher
	OutDir      string
	Concurrency int
	Metrics     *telemetry.Metrics
}

// Run fetches all jobs and returns one result per job, in job order.
func (b *BatchRunner) Run(ctx context.Context, jobs []manifest.Job, w manifest.Window) []JobResult {
	concurrency := b.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]JobResult, len(jobs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job manifest.Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = b.runJob(ctx, job, w)
		}(i, job)
	}
	wg.Wait()

	return results
}

func (b *BatchRunner) runJob(ctx context.Context, job manifest.Job, w manifest.Window) JobResult {
	started := time.Now()
	result := JobResult{Job: job}

	events, pages, err := b.Fetcher.Fetch(ctx, job, w)
	result.Pages = pages
	result.Elapsed = time.Since(started)

	if err == nil {
		result.Events = len(events)
		result.ArtifactPath = filepath.Join(b.OutDir, job.OutputName)
		err = WriteArtifact(result.ArtifactPath, events)
	}

	if err != nil {
		result.Err = err
		result.Error = err.Error()
		log.Error().Err(err).
			Str("job", job.Name()).
			Str("log_group", job.LogGroup).
			Msg("Job failed")
	} else {
		log.Info().
			Str("job", job.Name()).
			Int("events", result.Events).
			Int("pages", result.Pages).
			Str("artifact", result.ArtifactPath).
			Msg("Job complete")
	}

	if b.Metrics != nil {
		status := "succeeded"
		if result.Failed() {
			status = "failed"
		}
		b.Metrics.ObserveJob(status, result.Elapsed)
	}
	return result
}
