package provision

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/smithy-go"

	"github.com/ladpipe/ladpipe/pkg/awsx"
	"github.com/ladpipe/ladpipe/pkg/retry"
)

type fakeEC2 struct {
	runOut   *ec2.RunInstancesOutput
	runErr   error
	runCalls int

	statusSeq   []*ec2.DescribeInstanceStatusOutput
	statusCalls int

	describeOut *ec2.DescribeInstancesOutput
	describeErr error

	associateCalls int
	associateErr   error
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runCalls++
	return f.runOut, f.runErr
}

func (f *fakeEC2) DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.statusSeq) {
		i = len(f.statusSeq) - 1
	}
	if i < 0 {
		return &ec2.DescribeInstanceStatusOutput{}, nil
	}
	return f.statusSeq[i], nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.describeOut != nil {
		return f.describeOut, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (f *fakeEC2) AssociateAddress(ctx context.Context, params *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	f.associateCalls++
	return &ec2.AssociateAddressOutput{}, f.associateErr
}

type fakeELB struct {
	registerCalls int
	registerErr   error
	lastInput     *elasticloadbalancingv2.RegisterTargetsInput
}

func (f *fakeELB) RegisterTargets(ctx context.Context, params *elasticloadbalancingv2.RegisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.RegisterTargetsOutput, error) {
	f.registerCalls++
	f.lastInput = params
	return &elasticloadbalancingv2.RegisterTargetsOutput{}, f.registerErr
}

// machineClock advances by each requested sleep so bounded waits run
// without real delay.
type machineClock struct {
	now time.Time
}

func (c *machineClock) Now() time.Time { return c.now }

func (c *machineClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func statusOutput(state ec2types.InstanceStateName, system, instance ec2types.SummaryStatus) *ec2.DescribeInstanceStatusOutput {
	return &ec2.DescribeInstanceStatusOutput{
		InstanceStatuses: []ec2types.InstanceStatus{{
			InstanceState:  &ec2types.InstanceState{Name: state},
			SystemStatus:   &ec2types.InstanceStatusSummary{Status: system},
			InstanceStatus: &ec2types.InstanceStatusSummary{Status: instance},
		}},
	}
}

func launchedOutput(instanceID string) *ec2.RunInstancesOutput {
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String(instanceID)}},
	}
}

func describeWithIP(instanceID, ip string) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId:      aws.String(instanceID),
				PublicIpAddress: aws.String(ip),
				PublicDnsName:   aws.String("ec2-host.example.com"),
			}},
		}},
	}
}

func testExec() *retry.Executor {
	return retry.NewExecutor(retry.DefaultPolicy(),
		retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
}

func baseRequest() *Request {
	return &Request{
		ImageID:      "ami-0abc",
		InstanceType: "g5.xlarge",
		PollInterval: time.Second,
	}
}

func newTestMachine(ec2fake InstanceAPI, elb TargetAPI, clock *machineClock) *Machine {
	return NewMachine(ec2fake, elb, testExec(),
		WithMachineClock(clock.Now, clock.Sleep))
}

func TestLaunchHappyPath(t *testing.T) {
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNamePending, ec2types.SummaryStatusInitializing, ec2types.SummaryStatusInitializing),
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusInitializing, ec2types.SummaryStatusInitializing),
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusInitializing),
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "203.0.113.10"),
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	result, err := m.Launch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.State != StateReady {
		t.Errorf("state = %s, want %s", result.State, StateReady)
	}
	if result.InstanceID != "i-0123" {
		t.Errorf("instance id = %s", result.InstanceID)
	}
	if result.APIURL != "http://203.0.113.10:8000" {
		t.Errorf("api url = %s", result.APIURL)
	}
	if ec2fake.runCalls != 1 {
		t.Errorf("RunInstances calls = %d, want 1", ec2fake.runCalls)
	}
}

func TestLaunchValidatesBeforeRemoteCalls(t *testing.T) {
	ec2fake := &fakeEC2{runOut: launchedOutput("i-0123")}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.Tenancy = TenancyHost // no host id, no availability zone

	_, err := m.Launch(context.Background(), req)
	if !awsx.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if ec2fake.runCalls != 0 || ec2fake.statusCalls != 0 {
		t.Errorf("remote calls made despite validation failure: run=%d status=%d",
			ec2fake.runCalls, ec2fake.statusCalls)
	}
}

func TestLaunchCallNeverRetried(t *testing.T) {
	ec2fake := &fakeEC2{
		runErr: &smithy.GenericAPIError{Code: "RequestLimitExceeded"},
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	_, err := m.Launch(context.Background(), baseRequest())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageLaunch || se.State != StateFailed {
		t.Errorf("stage = %s state = %s", se.Stage, se.State)
	}
	if ec2fake.runCalls != 1 {
		t.Errorf("RunInstances calls = %d, want exactly 1 even when throttled", ec2fake.runCalls)
	}
}

func TestLaunchBootTimeout(t *testing.T) {
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNamePending, ec2types.SummaryStatusInitializing, ec2types.SummaryStatusInitializing),
		},
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.Waits = WaitBudgets{Boot: 5 * time.Second, StatusChecks: time.Minute, Health: time.Minute}

	result, err := m.Launch(context.Background(), req)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageBoot || se.State != StateTimedOut {
		t.Errorf("stage = %s state = %s", se.Stage, se.State)
	}
	if se.Elapsed < 5*time.Second {
		t.Errorf("elapsed = %s, want >= budget", se.Elapsed)
	}
	if se.LastStatus != string(ec2types.InstanceStateNamePending) {
		t.Errorf("last status = %q", se.LastStatus)
	}
	if result.State != StateTimedOut {
		t.Errorf("result state = %s", result.State)
	}
}

func TestLaunchRequiresBothStatusChecks(t *testing.T) {
	// System check passes, instance check never does. A single ok must not
	// satisfy the gate.
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusInitializing),
		},
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.Waits = WaitBudgets{Boot: time.Minute, StatusChecks: 5 * time.Second, Health: time.Minute}

	_, err := m.Launch(context.Background(), req)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageStatusChecks || se.State != StateTimedOut {
		t.Errorf("stage = %s state = %s", se.Stage, se.State)
	}
	if !strings.Contains(se.LastStatus, "system=ok") || !strings.Contains(se.LastStatus, "instance=initializing") {
		t.Errorf("last status = %q", se.LastStatus)
	}
}

func TestLaunchInvisibleInstanceKeepsPolling(t *testing.T) {
	// An empty DescribeInstanceStatus page means the instance is not visible
	// yet, not that it failed.
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			{},
			{},
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "203.0.113.10"),
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	result, err := m.Launch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.State != StateReady {
		t.Errorf("state = %s", result.State)
	}
}

func TestLaunchAddressLookupFailureStage(t *testing.T) {
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeErr: &smithy.GenericAPIError{Code: "UnauthorizedOperation"},
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	result, err := m.Launch(context.Background(), baseRequest())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageAddressLookup || se.State != StateFailed {
		t.Errorf("stage = %s state = %s", se.Stage, se.State)
	}
	if result.State != StateFailed {
		t.Errorf("result state = %s", result.State)
	}
}

func TestLaunchHealthProbe(t *testing.T) {
	var probes int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes++
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		if probes <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "127.0.0.1"),
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.Port = port
	req.HealthPath = "/health"

	result, err := m.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.State != StateReady {
		t.Errorf("state = %s", result.State)
	}
	if probes != 5 {
		t.Errorf("probes = %d, want 5", probes)
	}
	want := "http://127.0.0.1:" + portStr
	if result.APIURL != want {
		t.Errorf("api url = %s, want %s", result.APIURL, want)
	}
}

func TestLaunchHealthTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	_, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "127.0.0.1"),
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.Port = port
	req.HealthPath = "/health"
	req.Waits = WaitBudgets{Boot: time.Minute, StatusChecks: time.Minute, Health: 3 * time.Second}

	_, err := m.Launch(context.Background(), req)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageHealth || se.State != StateTimedOut {
		t.Errorf("stage = %s state = %s", se.Stage, se.State)
	}
	if se.LastStatus != "HTTP 503" {
		t.Errorf("last status = %q", se.LastStatus)
	}
}

func TestLaunchAttachesNetworking(t *testing.T) {
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "198.51.100.7"),
	}
	elb := &fakeELB{}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, elb, clock)

	req := baseRequest()
	req.AllocationID = "eipalloc-01"
	req.TargetGroupARN = "arn:aws:elasticloadbalancing:us-east-1:123:targetgroup/tg/abc"

	result, err := m.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if ec2fake.associateCalls != 1 {
		t.Errorf("AssociateAddress calls = %d", ec2fake.associateCalls)
	}
	if elb.registerCalls != 1 {
		t.Fatalf("RegisterTargets calls = %d", elb.registerCalls)
	}
	if got := aws.ToString(elb.lastInput.TargetGroupArn); got != req.TargetGroupARN {
		t.Errorf("target group = %s", got)
	}
	if len(elb.lastInput.Targets) != 1 || aws.ToString(elb.lastInput.Targets[0].Id) != "i-0123" {
		t.Errorf("targets = %+v", elb.lastInput.Targets)
	}
	if result.State != StateReady {
		t.Errorf("state = %s", result.State)
	}
}

func TestLaunchTargetGroupWithoutClient(t *testing.T) {
	ec2fake := &fakeEC2{
		runOut: launchedOutput("i-0123"),
		statusSeq: []*ec2.DescribeInstanceStatusOutput{
			statusOutput(ec2types.InstanceStateNameRunning, ec2types.SummaryStatusOk, ec2types.SummaryStatusOk),
		},
		describeOut: describeWithIP("i-0123", "198.51.100.7"),
	}
	clock := &machineClock{now: time.Now()}
	m := newTestMachine(ec2fake, nil, clock)

	req := baseRequest()
	req.TargetGroupARN = "arn:aws:elasticloadbalancing:us-east-1:123:targetgroup/tg/abc"

	_, err := m.Launch(context.Background(), req)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != StageTargetRegister {
		t.Errorf("stage = %s", se.Stage)
	}
	if !awsx.IsConfig(se.Err) {
		t.Errorf("expected config error, got %v", se.Err)
	}
}
