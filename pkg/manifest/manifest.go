// Package manifest defines the retrieval-batch manifest: which log groups
// to fetch, over which time window, into which artifacts. A manifest is
// immutable once loaded and consumed once per run.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Job is one unit of log retrieval: a log group, an output artifact name,
// and an optional label filter.
type Job struct {
	// LogGroup is the CloudWatch log group to fetch from.
	LogGroup string `json:"logGroup" yaml:"logGroup" validate:"required"`

	// OutputName is the artifact file name, relative to the output
	// directory.
	OutputName string `json:"outputName" yaml:"outputName" validate:"required"`

	// LabelKey and LabelValue, when both set, restrict the fetch to
	// events whose structured payload carries that label.
	LabelKey   string `json:"labelKey,omitempty" yaml:"labelKey,omitempty"`
	LabelValue string `json:"labelValue,omitempty" yaml:"labelValue,omitempty"`
}

// Name returns a human-readable identifier for the job in logs and
// summaries.
func (j Job) Name() string {
	base := strings.TrimSuffix(filepath.Base(j.OutputName), filepath.Ext(j.OutputName))
	if base != "" {
		return base
	}
	return j.LogGroup
}

// Batch is a retrieval batch: a region, a time window, and an ordered list
// of jobs.
type Batch struct {
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	StartISO string `json:"startISO,omitempty" yaml:"startISO,omitempty"`
	EndISO   string `json:"endISO,omitempty" yaml:"endISO,omitempty"`
	Jobs     []Job  `json:"jobs" yaml:"jobs" validate:"required,min=1,dive"`
}

// Window is the half-open time interval a batch covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// StartMillis returns the window start as millisecond epoch.
func (w Window) StartMillis() int64 { return w.Start.UnixMilli() }

// EndMillis returns the window end as millisecond epoch.
func (w Window) EndMillis() int64 { return w.End.UnixMilli() }

// timeLayouts are the accepted manifest timestamp formats, tried in order.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("manifest: unrecognized timestamp %q", s)
}

// Window resolves the batch's time window. When the manifest carries no
// start, the window is the lookback ending now; when it carries no end,
// the end is now.
func (b *Batch) Window(lookback time.Duration, now time.Time) (Window, error) {
	end := now.UTC().Truncate(time.Second)
	if b.EndISO != "" {
		t, err := parseTime(b.EndISO)
		if err != nil {
			return Window{}, err
		}
		end = t
	}

	start := end.Add(-lookback)
	if b.StartISO != "" {
		t, err := parseTime(b.StartISO)
		if err != nil {
			return Window{}, err
		}
		start = t
	}

	if !start.Before(end) {
		return Window{}, fmt.Errorf("manifest: window start %s is not before end %s", start, end)
	}
	return Window{Start: start, End: end}, nil
}

var validate = validator.New()

// Load reads and validates a batch manifest from a JSON or YAML file.
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	var b Batch
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &b)
	default:
		err = json.Unmarshal(data, &b)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing %s: %w", path, err)
	}

	if err := validate.Struct(&b); err != nil {
		return nil, fmt.Errorf("manifest: invalid %s: %w", path, err)
	}
	return &b, nil
}

// Write serializes a batch manifest to a JSON file.
func Write(path string, b *Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("manifest: creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("manifest: writing %s: %w", path, err)
	}
	return nil
}
