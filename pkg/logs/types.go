// Package logs implements the paginated log retrieval engine and the
// Insights-based label discovery poller over CloudWatch Logs.
package logs

import (
	"time"

	"github.com/ladpipe/ladpipe/pkg/manifest"
)

// Event is a single retrieved log event. Timestamp is the source-of-truth
// ordering key; Message is opaque text. Events carry no identity beyond
// the pair, and duplicates across overlapping pages are preserved as
// observed.
type Event struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	LogStream string `json:"logStream,omitempty"`
}

// JobResult is the per-job outcome of a batch fetch. Partial-batch success
// is a first-class outcome: a failed job never hides its siblings.
type JobResult struct {
	Job          manifest.Job  `json:"job"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	Events       int           `json:"events"`
	Pages        int           `json:"pages"`
	Elapsed      time.Duration `json:"elapsedNanos"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// Failed reports whether the job ended in error.
func (r JobResult) Failed() bool { return r.Err != nil }
