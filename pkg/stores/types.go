package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunKind distinguishes retrieval runs from provisioning runs
type RunKind string

const (
	RunKindFetch  RunKind = "fetch"
	RunKindLaunch RunKind = "launch"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one invocation of a fetch batch or a launch
type Run struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	Region      string     `json:"region"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Artifact records one job's output file within a fetch run
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Job       string    `json:"job"`
	LogGroup  string    `json:"log_group"`
	Path      string    `json:"path"`
	Events    int       `json:"events"`
	Pages     int       `json:"pages"`
	Status    string    `json:"status"` // succeeded, failed
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance records a provisioned instance within a launch run
type Instance struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state"`
	PublicIP   *string   `json:"public_ip,omitempty"`
	PublicDNS  *string   `json:"public_dns,omitempty"`
	APIURL     *string   `json:"api_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, kind *RunKind, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Artifact operations
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]*Artifact, error)

	// Instance operations
	CreateInstance(ctx context.Context, instance *Instance) error
	UpdateInstanceState(ctx context.Context, id, state string, publicIP, publicDNS, apiURL *string) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, limit, offset int) ([]*Instance, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
