package provision

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/rs/zerolog/log"

	"github.com/ladpipe/ladpipe/pkg/awsx"
	"github.com/ladpipe/ladpipe/pkg/retry"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

// InstanceAPI is the slice of the EC2 API the state machine uses.
type InstanceAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	AssociateAddress(ctx context.Context, params *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
}

// TargetAPI is the slice of the ELBv2 API the state machine uses.
type TargetAPI interface {
	RegisterTargets(ctx context.Context, params *elasticloadbalancingv2.RegisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.RegisterTargetsOutput, error)
}

// Machine runs the provisioning state machine. One Machine handles one
// launch at a time; its milestones are causally ordered, so there is no
// internal parallelism.
type Machine struct {
	ec2     InstanceAPI
	elb     TargetAPI
	exec    *retry.Executor
	httpc   *http.Client
	metrics *telemetry.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithHTTPClient replaces the health-probe HTTP client.
func WithHTTPClient(c *http.Client) MachineOption {
	return func(m *Machine) { m.httpc = c }
}

// WithMachineClock replaces the time source and sleep function, for tests.
func WithMachineClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) MachineOption {
	return func(m *Machine) { m.now, m.sleep = now, sleep }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(metrics *telemetry.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine creates a provisioning state machine. elb may be nil when no
// target-group registration will be requested.
func NewMachine(instanceAPI InstanceAPI, targetAPI TargetAPI, exec *retry.Executor, opts ...MachineOption) *Machine {
	m := &Machine{
		ec2:   instanceAPI,
		elb:   targetAPI,
		exec:  exec,
		httpc: &http.Client{Timeout: 5 * time.Second},
		sleep: sleepCtx,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Launch drives a request through the state machine and returns the
// provisioned instance, or a StageError naming where the launch ended.
// Validation failures surface before any remote call. The launch request
// itself is issued exactly once and never retried: a duplicate launch is
// worse than a failed one.
func (m *Machine) Launch(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("image_id", req.ImageID).Str("instance_type", req.InstanceType).Logger()
	logger.Info().Str("tenancy", string(req.Tenancy)).Msg("Launching instance")

	instanceID, err := m.runInstance(ctx, req)
	if err != nil {
		return nil, &StageError{Stage: StageLaunch, State: StateFailed, Err: err}
	}
	result := &Result{InstanceID: instanceID, State: StateLaunching}
	logger = logger.With().Str("instance_id", instanceID).Logger()
	logger.Info().Msg("Launch request accepted")

	if err := m.waitForRunning(ctx, req, result); err != nil {
		return result, err
	}
	logger.Info().Msg("Instance running")

	if err := m.waitForStatusOK(ctx, req, result); err != nil {
		return result, err
	}
	logger.Info().Msg("Status checks passed")

	if req.AllocationID != "" {
		result.State = StateEipAssociating
		if err := m.associateAddress(ctx, req, result); err != nil {
			result.State = StateFailed
			return result, &StageError{Stage: StageEipAssociate, State: StateFailed, InstanceID: instanceID, Err: err}
		}
		logger.Info().Str("allocation_id", req.AllocationID).Msg("Elastic IP associated")
	}

	if err := m.describeAddresses(ctx, result); err != nil {
		result.State = StateFailed
		return result, &StageError{Stage: StageAddressLookup, State: StateFailed, InstanceID: instanceID, Err: err}
	}

	if req.TargetGroupARN != "" {
		result.State = StateTargetRegistering
		if err := m.registerTarget(ctx, req, result); err != nil {
			result.State = StateFailed
			return result, &StageError{Stage: StageTargetRegister, State: StateFailed, InstanceID: instanceID, Err: err}
		}
		logger.Info().Str("target_group", req.TargetGroupARN).Msg("Registered with target group")
	}

	if result.PublicIP != "" {
		result.APIURL = fmt.Sprintf("http://%s:%d", result.PublicIP, req.Port)
	}

	if req.HealthPath != "" && result.PublicIP != "" {
		if err := m.probeHealth(ctx, req, result); err != nil {
			return result, err
		}
		logger.Info().Str("api_url", result.APIURL).Msg("Application healthy")
	}

	result.State = StateReady
	return result, nil
}

func (m *Machine) runInstance(ctx context.Context, req *Request) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.ImageID),
		InstanceType: ec2types.InstanceType(req.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if req.SubnetID != "" {
		input.SubnetId = aws.String(req.SubnetID)
	}
	if len(req.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = req.SecurityGroupIDs
	}
	if req.KeyName != "" {
		input.KeyName = aws.String(req.KeyName)
	}
	if req.IamProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(req.IamProfile)}
	}
	if req.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData)))
	}
	input.Placement = placementFor(req)
	if tags := tagSpecification(req.Tags); tags != nil {
		input.TagSpecifications = []ec2types.TagSpecification{*tags}
	}

	out, err := m.ec2.RunInstances(ctx, input)
	m.observeCall("ec2", "RunInstances", err)
	if err != nil {
		return "", awsx.Classify("ec2.RunInstances", err)
	}
	if out == nil || len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", awsx.Classify("ec2.RunInstances", fmt.Errorf("launch returned no instance"))
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func placementFor(req *Request) *ec2types.Placement {
	switch req.Tenancy {
	case TenancyDedicated:
		return &ec2types.Placement{Tenancy: ec2types.TenancyDedicated}
	case TenancyHost:
		return &ec2types.Placement{
			Tenancy:          ec2types.TenancyHost,
			HostId:           aws.String(req.HostID),
			AvailabilityZone: aws.String(req.AvailabilityZone),
		}
	default:
		return &ec2types.Placement{Tenancy: ec2types.TenancyDefault}
	}
}

func tagSpecification(tags map[string]string) *ec2types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	spec := &ec2types.TagSpecification{ResourceType: ec2types.ResourceTypeInstance}
	for k, v := range tags {
		spec.Tags = append(spec.Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return spec
}

// waitForRunning polls instance status until the lifecycle state reports
// running, within the boot budget.
func (m *Machine) waitForRunning(ctx context.Context, req *Request, result *Result) error {
	result.State = StateLaunching
	deadline := m.now().Add(req.Waits.Boot)
	started := m.now()
	lastStatus := ""

	for {
		status, err := m.fetchStatus(ctx, result.InstanceID)
		if err != nil {
			result.State = StateFailed
			return &StageError{Stage: StageBoot, State: StateFailed, InstanceID: result.InstanceID, Err: err}
		}
		if status != nil {
			lastStatus = string(status.state)
			if status.state == ec2types.InstanceStateNameRunning {
				result.State = StateRunning
				m.observeStage(StageBoot, m.now().Sub(started))
				return nil
			}
		}

		if !m.now().Before(deadline) {
			result.State = StateTimedOut
			return &StageError{
				Stage: StageBoot, State: StateTimedOut, InstanceID: result.InstanceID,
				Elapsed: m.now().Sub(started), LastStatus: lastStatus,
			}
		}
		if err := m.sleep(ctx, req.PollInterval); err != nil {
			result.State = StateFailed
			return &StageError{Stage: StageBoot, State: StateFailed, InstanceID: result.InstanceID, Err: err}
		}
	}
}

// waitForStatusOK polls until both platform status checks report ok in the
// same poll. A transient single-check ok does not satisfy the gate.
func (m *Machine) waitForStatusOK(ctx context.Context, req *Request, result *Result) error {
	result.State = StateStatusChecking
	deadline := m.now().Add(req.Waits.StatusChecks)
	started := m.now()
	lastStatus := ""

	for {
		status, err := m.fetchStatus(ctx, result.InstanceID)
		if err != nil {
			result.State = StateFailed
			return &StageError{Stage: StageStatusChecks, State: StateFailed, InstanceID: result.InstanceID, Err: err}
		}
		if status != nil {
			lastStatus = fmt.Sprintf("system=%s instance=%s", status.system, status.instance)
			if status.system == ec2types.SummaryStatusOk && status.instance == ec2types.SummaryStatusOk {
				result.State = StateStatusOK
				m.observeStage(StageStatusChecks, m.now().Sub(started))
				return nil
			}
		}

		if !m.now().Before(deadline) {
			result.State = StateTimedOut
			return &StageError{
				Stage: StageStatusChecks, State: StateTimedOut, InstanceID: result.InstanceID,
				Elapsed: m.now().Sub(started), LastStatus: lastStatus,
			}
		}
		if err := m.sleep(ctx, req.PollInterval); err != nil {
			result.State = StateFailed
			return &StageError{Stage: StageStatusChecks, State: StateFailed, InstanceID: result.InstanceID, Err: err}
		}
	}
}

type instanceStatus struct {
	state    ec2types.InstanceStateName
	system   ec2types.SummaryStatus
	instance ec2types.SummaryStatus
}

func (m *Machine) fetchStatus(ctx context.Context, instanceID string) (*instanceStatus, error) {
	out, err := retry.Do(ctx, m.exec, func(ctx context.Context) (*ec2.DescribeInstanceStatusOutput, error) {
		out, err := m.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         []string{instanceID},
			IncludeAllInstances: aws.Bool(true),
		})
		m.observeCall("ec2", "DescribeInstanceStatus", err)
		return out, awsx.Classify("ec2.DescribeInstanceStatus", err)
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.InstanceStatuses) == 0 {
		// Eventually-consistent control plane: the instance may not be
		// visible yet. Treat as "no status this poll".
		return nil, nil
	}

	st := out.InstanceStatuses[0]
	status := &instanceStatus{}
	if st.InstanceState != nil {
		status.state = st.InstanceState.Name
	}
	if st.SystemStatus != nil {
		status.system = st.SystemStatus.Status
	}
	if st.InstanceStatus != nil {
		status.instance = st.InstanceStatus.Status
	}
	return status, nil
}

// describeAddresses fills in the instance's public IP and DNS name, after
// any elastic IP association so the surfaced address is the final one.
func (m *Machine) describeAddresses(ctx context.Context, result *Result) error {
	out, err := retry.Do(ctx, m.exec, func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
		out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{result.InstanceID},
		})
		m.observeCall("ec2", "DescribeInstances", err)
		return out, awsx.Classify("ec2.DescribeInstances", err)
	})
	if err != nil {
		return err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != result.InstanceID {
				continue
			}
			result.PublicIP = aws.ToString(inst.PublicIpAddress)
			result.PublicDNS = aws.ToString(inst.PublicDnsName)
			return nil
		}
	}
	return nil
}

func (m *Machine) associateAddress(ctx context.Context, req *Request, result *Result) error {
	_, err := retry.Do(ctx, m.exec, func(ctx context.Context) (*ec2.AssociateAddressOutput, error) {
		out, err := m.ec2.AssociateAddress(ctx, &ec2.AssociateAddressInput{
			AllocationId: aws.String(req.AllocationID),
			InstanceId:   aws.String(result.InstanceID),
		})
		m.observeCall("ec2", "AssociateAddress", err)
		return out, awsx.Classify("ec2.AssociateAddress", err)
	})
	return err
}

func (m *Machine) registerTarget(ctx context.Context, req *Request, result *Result) error {
	if m.elb == nil {
		return awsx.NewConfigError("provision: target group requested but no load-balancing client configured")
	}
	_, err := retry.Do(ctx, m.exec, func(ctx context.Context) (*elasticloadbalancingv2.RegisterTargetsOutput, error) {
		out, err := m.elb.RegisterTargets(ctx, &elasticloadbalancingv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(req.TargetGroupARN),
			Targets: []elbtypes.TargetDescription{
				{Id: aws.String(result.InstanceID), Port: aws.Int32(int32(req.Port))},
			},
		})
		m.observeCall("elasticloadbalancingv2", "RegisterTargets", err)
		return out, awsx.Classify("elasticloadbalancingv2.RegisterTargets", err)
	})
	return err
}

// probeHealth polls the application endpoint until the response status
// equals the configured expected value, within the health budget. Each
// attempt has its own short timeout from the HTTP client; attempts produce
// no side effect beyond the request itself.
func (m *Machine) probeHealth(ctx context.Context, req *Request, result *Result) error {
	result.State = StateHealthProbing
	url := fmt.Sprintf("http://%s:%d%s", result.PublicIP, req.Port, req.HealthPath)
	deadline := m.now().Add(req.Waits.Health)
	started := m.now()
	lastStatus := "unreachable"

	for {
		if code, ok := m.probeOnce(ctx, url); ok {
			lastStatus = fmt.Sprintf("HTTP %d", code)
			if code == req.ExpectedStatus {
				m.observeStage(StageHealth, m.now().Sub(started))
				return nil
			}
		}

		if !m.now().Before(deadline) {
			result.State = StateTimedOut
			return &StageError{
				Stage: StageHealth, State: StateTimedOut, InstanceID: result.InstanceID,
				Elapsed: m.now().Sub(started), LastStatus: lastStatus,
			}
		}
		if err := m.sleep(ctx, req.PollInterval); err != nil {
			result.State = StateFailed
			return &StageError{Stage: StageHealth, State: StateFailed, InstanceID: result.InstanceID, Err: err}
		}
	}
}

func (m *Machine) probeOnce(ctx context.Context, url string) (int, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := m.httpc.Do(httpReq)
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	return resp.StatusCode, true
}

func (m *Machine) observeCall(service, op string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(awsx.KindOf(awsx.Classify(service+"."+op, err)))
	}
	m.metrics.ObserveRemoteCall(service, op, outcome)
}

func (m *Machine) observeStage(stage Stage, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveStage(string(stage), elapsed)
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
