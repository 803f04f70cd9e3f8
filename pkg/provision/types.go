// Package provision launches a GPU EC2 instance running an inference
// server and drives it through boot, platform status checks, optional
// network attachment, and application health, each under its own deadline.
package provision

import (
	"fmt"
	"time"

	"github.com/ladpipe/ladpipe/pkg/awsx"
)

// State is the current position of a launch in the provisioning state
// machine. Transitions only move forward; Ready, Failed and TimedOut are
// terminal.
type State string

const (
	// StateLaunching indicates the launch request has been issued.
	StateLaunching State = "launching"

	// StateRunning indicates the instance reports the running lifecycle
	// state.
	StateRunning State = "running"

	// StateStatusChecking indicates the machine is waiting for platform
	// status checks.
	StateStatusChecking State = "status_checking"

	// StateStatusOK indicates both platform status checks reported ok in
	// the same poll.
	StateStatusOK State = "status_ok"

	// StateEipAssociating indicates the optional elastic IP association
	// is in flight.
	StateEipAssociating State = "eip_associating"

	// StateTargetRegistering indicates the optional target-group
	// registration is in flight.
	StateTargetRegistering State = "target_registering"

	// StateHealthProbing indicates the machine is polling the
	// application health endpoint.
	StateHealthProbing State = "health_probing"

	// StateReady indicates the instance is fully provisioned.
	StateReady State = "ready"

	// StateFailed indicates a fatal error ended the launch.
	StateFailed State = "failed"

	// StateTimedOut indicates a bounded-wait stage exhausted its budget.
	StateTimedOut State = "timed_out"
)

// IsTerminal returns true if the state represents a final outcome.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed || s == StateTimedOut
}

// Stage names a bounded-wait or side-effect step, for failure reporting.
type Stage string

const (
	StageLaunch         Stage = "launch"
	StageBoot           Stage = "boot"
	StageStatusChecks   Stage = "statusChecks"
	StageEipAssociate   Stage = "eipAssociate"
	StageAddressLookup  Stage = "addressLookup"
	StageTargetRegister Stage = "targetRegister"
	StageHealth         Stage = "applicationHealth"
)

// Tenancy is the placement policy for the instance.
type Tenancy string

const (
	// TenancyShared places the instance on shared hardware.
	TenancyShared Tenancy = "shared"

	// TenancyDedicated places the instance on single-tenant hardware.
	TenancyDedicated Tenancy = "dedicated"

	// TenancyHost pins the instance to a specific dedicated host.
	TenancyHost Tenancy = "host"
)

// Validate checks that the tenancy value is one of the known modes.
func (t Tenancy) Validate() error {
	switch t {
	case TenancyShared, TenancyDedicated, TenancyHost:
		return nil
	default:
		return fmt.Errorf("invalid tenancy: %s", t)
	}
}

// WaitBudgets are the per-stage deadlines. Each bounded wait computes its
// own deadline at loop entry; there is no end-to-end deadline.
type WaitBudgets struct {
	Boot         time.Duration `yaml:"boot"`
	StatusChecks time.Duration `yaml:"statusChecks"`
	Health       time.Duration `yaml:"health"`
}

// DefaultWaitBudgets returns budgets sized for GPU instance boot and model
// download times.
func DefaultWaitBudgets() WaitBudgets {
	return WaitBudgets{
		Boot:         5 * time.Minute,
		StatusChecks: 10 * time.Minute,
		Health:       20 * time.Minute,
	}
}

// Request is the immutable input to one launch.
type Request struct {
	ImageID          string            `yaml:"imageId" validate:"required"`
	InstanceType     string            `yaml:"instanceType" validate:"required"`
	SubnetID         string            `yaml:"subnetId"`
	SecurityGroupIDs []string          `yaml:"securityGroupIds"`
	KeyName          string            `yaml:"keyName"`
	IamProfile       string            `yaml:"iamProfile"`
	Tenancy          Tenancy           `yaml:"tenancy"`
	HostID           string            `yaml:"hostId"`
	AvailabilityZone string            `yaml:"availabilityZone"`
	Tags             map[string]string `yaml:"tags"`
	UserData         string            `yaml:"-"`

	// AllocationID, when set, is the elastic IP allocation to associate
	// after status checks pass.
	AllocationID string `yaml:"allocationId"`

	// TargetGroupARN, when set, is the load-balancer target group to
	// register the instance with. Registration is fire-and-forget; the
	// load balancer's own health checks govern eligibility afterward.
	TargetGroupARN string `yaml:"targetGroupArn"`

	// Port is the inference server's exposed port.
	Port int `yaml:"port"`

	// HealthPath is the HTTP path probed for application health. Empty
	// disables the probe.
	HealthPath string `yaml:"healthPath"`

	// ExpectedStatus is the exact HTTP status code that counts as
	// healthy.
	ExpectedStatus int `yaml:"expectedStatus"`

	Waits        WaitBudgets   `yaml:"waits"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Validate checks the request before any remote call is made. Placement
// errors are fatal-configuration: a dedicated-host request without a host
// id and availability zone must fail fast, with no launch side effect.
func (r *Request) Validate() error {
	if r.ImageID == "" {
		return awsx.NewConfigError("provision: image id is required")
	}
	if r.InstanceType == "" {
		return awsx.NewConfigError("provision: instance type is required")
	}
	if r.Tenancy == "" {
		r.Tenancy = TenancyShared
	}
	if err := r.Tenancy.Validate(); err != nil {
		return awsx.NewConfigError("provision: %v", err)
	}
	if r.Tenancy == TenancyHost {
		if r.HostID == "" {
			return awsx.NewConfigError("provision: dedicated-host tenancy requires a host id")
		}
		if r.AvailabilityZone == "" {
			return awsx.NewConfigError("provision: dedicated-host tenancy requires an availability zone")
		}
	}
	if r.Port == 0 {
		r.Port = 8000
	}
	if r.ExpectedStatus == 0 {
		r.ExpectedStatus = 200
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 10 * time.Second
	}
	defaults := DefaultWaitBudgets()
	if r.Waits.Boot <= 0 {
		r.Waits.Boot = defaults.Boot
	}
	if r.Waits.StatusChecks <= 0 {
		r.Waits.StatusChecks = defaults.StatusChecks
	}
	if r.Waits.Health <= 0 {
		r.Waits.Health = defaults.Health
	}
	return nil
}

// Result is the only artifact that outlives a launch.
type Result struct {
	InstanceID string `json:"instanceId"`
	PublicIP   string `json:"publicIp,omitempty"`
	PublicDNS  string `json:"publicDns,omitempty"`
	APIURL     string `json:"apiUrl,omitempty"`
	State      State  `json:"state"`
}

// StageError reports a terminal Failed or TimedOut outcome with enough
// context to reproduce: the stage, the elapsed budget, and the last
// observed remote state.
type StageError struct {
	Stage      Stage
	State      State
	InstanceID string
	Elapsed    time.Duration
	LastStatus string
	Err        error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	switch {
	case e.State == StateTimedOut && e.LastStatus != "":
		return fmt.Sprintf("provision: timed out at stage %s after %s (last status: %s)", e.Stage, e.Elapsed.Round(time.Second), e.LastStatus)
	case e.State == StateTimedOut:
		return fmt.Sprintf("provision: timed out at stage %s after %s", e.Stage, e.Elapsed.Round(time.Second))
	default:
		return fmt.Sprintf("provision: failed at stage %s: %v", e.Stage, e.Err)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StageError) Unwrap() error {
	return e.Err
}
