package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Source is one entry of a batch configuration before label expansion. An
// entry with a UniqueLabel fans out into one Job per discovered value of
// that label; an entry without one becomes a single plain Job.
type Source struct {
	// Name seeds the artifact file name; defaults to a slug of LogGroup.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// LogGroup is the CloudWatch log group to fetch from.
	LogGroup string `json:"logGroup" yaml:"logGroup" validate:"required"`

	// UniqueLabel, when set, is the label key whose distinct values split
	// this source into per-value jobs.
	UniqueLabel string `json:"uniqueLabel,omitempty" yaml:"uniqueLabel,omitempty"`
}

// SourceSet is a batch configuration before label expansion: the same
// region and window surface as a Batch, with sources instead of jobs.
type SourceSet struct {
	Region   string   `json:"region,omitempty" yaml:"region,omitempty"`
	StartISO string   `json:"startISO,omitempty" yaml:"startISO,omitempty"`
	EndISO   string   `json:"endISO,omitempty" yaml:"endISO,omitempty"`
	Sources  []Source `json:"sources" yaml:"sources" validate:"required,min=1,dive"`
}

// Window resolves the source set's time window, with the same defaulting
// rules as Batch.Window.
func (s *SourceSet) Window(lookback time.Duration, now time.Time) (Window, error) {
	b := Batch{StartISO: s.StartISO, EndISO: s.EndISO}
	return b.Window(lookback, now)
}

// LoadSources reads and validates a source set from a JSON or YAML file.
func LoadSources(path string) (*SourceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	var s SourceSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing %s: %w", path, err)
	}

	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("manifest: invalid %s: %w", path, err)
	}
	return &s, nil
}

// LabelDiscoverer finds the distinct values of a label key observed in a
// log group over a window. Discovery is advisory: an empty result means
// "unknown", never "provably no values".
type LabelDiscoverer interface {
	DiscoverLabelValues(ctx context.Context, logGroup, labelKey string, w Window) ([]string, error)
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug converts an arbitrary name or log group into a filesystem-safe
// artifact name component.
func Slug(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", ":", "_").Replace(s)
	s = slugUnsafe.ReplaceAllString(s, "_")
	if s == "" {
		return "logs"
	}
	return s
}

// Expand builds the job list for a batch from its sources. Labeled sources
// are expanded first, in source order; plain sources follow. A labeled
// source whose discovery fails or yields nothing is skipped with a
// warning, matching the advisory contract of label discovery.
func Expand(ctx context.Context, sources []Source, d LabelDiscoverer, w Window) []Job {
	var jobs []Job

	for _, src := range sources {
		key := strings.TrimSpace(src.UniqueLabel)
		if key == "" {
			continue
		}

		values, err := d.DiscoverLabelValues(ctx, src.LogGroup, key, w)
		if err != nil {
			log.Warn().Err(err).
				Str("log_group", src.LogGroup).
				Str("label_key", key).
				Msg("Label discovery failed; skipping labeled source")
			continue
		}
		if len(values) == 0 {
			log.Info().
				Str("log_group", src.LogGroup).
				Str("label_key", key).
				Msg("No distinct label values in window; skipping labeled source")
			continue
		}

		base := src.Name
		if base == "" {
			base = Slug(src.LogGroup)
		}
		for _, v := range values {
			jobs = append(jobs, Job{
				LogGroup:   src.LogGroup,
				OutputName: fmt.Sprintf("%s-%s.json", Slug(base), Slug(v)),
				LabelKey:   key,
				LabelValue: v,
			})
		}
	}

	for _, src := range sources {
		if strings.TrimSpace(src.UniqueLabel) != "" {
			continue
		}
		base := src.Name
		if base == "" {
			base = Slug(src.LogGroup)
		}
		jobs = append(jobs, Job{
			LogGroup:   src.LogGroup,
			OutputName: Slug(base) + ".json",
		})
	}

	return jobs
}
