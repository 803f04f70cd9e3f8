package logs

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog/log"

	"github.com/ladpipe/ladpipe/pkg/awsx"
	"github.com/ladpipe/ladpipe/pkg/manifest"
	"github.com/ladpipe/ladpipe/pkg/retry"
)

// InsightsAPI is the slice of the CloudWatch Logs Insights API the
// discoverer uses.
type InsightsAPI interface {
	StartQuery(ctx context.Context, params *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, params *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

// Discoverer runs a Logs Insights query to find the distinct values a
// label key takes within a window. Discovery is best-effort: every failure
// mode, including the poll deadline elapsing, yields an empty set rather
// than an error, and callers must treat empty as "unknown".
type Discoverer struct {
	client       InsightsAPI
	exec         *retry.Executor
	pollInterval time.Duration
	budget       time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// DiscovererOption customizes a Discoverer.
type DiscovererOption func(*Discoverer)

// WithPollInterval sets the fixed interval between status polls.
func WithPollInterval(d time.Duration) DiscovererOption {
	return func(x *Discoverer) { x.pollInterval = d }
}

// WithBudget sets the total polling deadline for one discovery.
func WithBudget(d time.Duration) DiscovererOption {
	return func(x *Discoverer) { x.budget = d }
}

// WithClock replaces the time source and sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) DiscovererOption {
	return func(x *Discoverer) { x.now, x.sleep = now, sleep }
}

// NewDiscoverer creates a discoverer with a 2s poll interval and a 2m
// budget unless overridden.
func NewDiscoverer(client InsightsAPI, exec *retry.Executor, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		client:       client,
		exec:         exec,
		pollInterval: 2 * time.Second,
		budget:       2 * time.Minute,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// regexMeta escapes regex metacharacters plus the forward slash delimiting
// an Insights regex literal.
var regexMeta = regexp.MustCompile(`[\\.+*?()|\[\]{}^$/]`)

func quoteForInsights(s string) string {
	return regexMeta.ReplaceAllString(s, `\$0`)
}

// buildDiscoveryQuery parses each message for labelKey followed by a
// quoted value, groups by the value, and counts occurrences.
func buildDiscoveryQuery(labelKey string) string {
	return `parse @message /"?` + quoteForInsights(labelKey) + `"?\s*[=:]\s*"(?<label>[^"]+)"/` +
		` | filter ispresent(label) | stats count(*) by label | limit 1000`
}

// DiscoverLabelValues submits the discovery query and polls it to
// completion, returning the lexically sorted distinct values of the label.
// It satisfies manifest.LabelDiscoverer. The returned error is always nil;
// the signature matches the interface so alternative discoverers can fail
// loudly.
func (d *Discoverer) DiscoverLabelValues(ctx context.Context, logGroup, labelKey string, w manifest.Window) ([]string, error) {
	logger := log.With().Str("log_group", logGroup).Str("label_key", labelKey).Logger()

	start, err := retry.Do(ctx, d.exec, func(ctx context.Context) (*cloudwatchlogs.StartQueryOutput, error) {
		out, err := d.client.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
			LogGroupName: aws.String(logGroup),
			StartTime:    aws.Int64(w.Start.Unix()),
			EndTime:      aws.Int64(w.End.Unix()),
			QueryString:  aws.String(buildDiscoveryQuery(labelKey)),
		})
		return out, awsx.Classify("cloudwatchlogs.StartQuery", err)
	})
	if err != nil || start == nil || aws.ToString(start.QueryId) == "" {
		logger.Warn().Err(err).Msg("Label discovery query submission yielded no query id")
		return []string{}, nil
	}
	queryID := aws.ToString(start.QueryId)
	deadline := d.now().Add(d.budget)

	for {
		res, err := retry.Do(ctx, d.exec, func(ctx context.Context) (*cloudwatchlogs.GetQueryResultsOutput, error) {
			out, err := d.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{
				QueryId: aws.String(queryID),
			})
			return out, awsx.Classify("cloudwatchlogs.GetQueryResults", err)
		})
		if err != nil || res == nil {
			logger.Warn().Err(err).Str("query_id", queryID).Msg("Label discovery poll failed")
			return []string{}, nil
		}

		switch res.Status {
		case types.QueryStatusComplete:
			return projectLabelColumn(res.Results), nil
		case types.QueryStatusFailed, types.QueryStatusCancelled, types.QueryStatusTimeout:
			logger.Warn().Str("query_id", queryID).Str("status", string(res.Status)).
				Msg("Label discovery query ended without results")
			return []string{}, nil
		}

		// Submitted, Scheduled, Running: keep polling until the local
		// deadline, then synthesize a timeout.
		if !d.now().Before(deadline) {
			logger.Warn().Str("query_id", queryID).Dur("budget", d.budget).
				Msg("Label discovery timed out locally")
			return []string{}, nil
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return []string{}, nil
		}
	}
}

// projectLabelColumn extracts the "label" column, discarding null or
// absent entries, de-duplicating, and sorting lexically.
func projectLabelColumn(rows [][]types.ResultField) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for _, field := range row {
			if aws.ToString(field.Field) != "label" {
				continue
			}
			if v := aws.ToString(field.Value); v != "" {
				seen[v] = struct{}{}
			}
		}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
