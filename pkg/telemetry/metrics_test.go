package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAddRetryIncrementsCounter(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "ladpipe"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.AddRetry("ec2.DescribeInstanceStatus")
	m.AddRetry("ec2.DescribeInstanceStatus")
	m.AddRetry("cloudwatchlogs.FilterLogEvents")

	if got := testutil.ToFloat64(m.retries.WithLabelValues("ec2.DescribeInstanceStatus")); got != 2 {
		t.Errorf("retries{ec2.DescribeInstanceStatus} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("cloudwatchlogs.FilterLogEvents")); got != 1 {
		t.Errorf("retries{cloudwatchlogs.FilterLogEvents} = %v, want 1", got)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	// Every recorder must be safe on a disabled instance.
	m.AddRetry("ec2.DescribeInstances")
	m.ObserveRemoteCall("ec2", "RunInstances", "ok")
	m.AddPagesFetched(3)
	m.AddEventsFetched(100)
	m.RecordRunStarted("fetch")
}
