package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newRun(kind RunKind, startedAt time.Time) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    RunStatusRunning,
		Region:    "us-east-1",
		StartedAt: startedAt,
		Metadata:  "{}",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newRun(RunKindFetch, time.Now().UTC())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Kind != RunKindFetch || got.Status != RunStatusRunning {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("new run must not be completed")
	}

	errMsg := "2 of 3 jobs failed"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusPartial, &errMsg); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != RunStatusPartial {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal status must set completed_at")
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("error = %v", got.Error)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown run")
	}
	if err := store.UpdateRunStatus(context.Background(), "nope", RunStatusFailed, nil); err == nil {
		t.Error("expected error updating unknown run")
	}
}

func TestListRunsFilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		if err := store.CreateRun(ctx, newRun(RunKindFetch, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateRun(ctx, newRun(RunKindLaunch, base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	// Most recent first
	if all[0].Kind != RunKindLaunch {
		t.Errorf("first run kind = %s, want launch", all[0].Kind)
	}
	for i := 1; i < len(all); i++ {
		if all[i].StartedAt.After(all[i-1].StartedAt) {
			t.Error("runs not ordered by started_at descending")
		}
	}

	kind := RunKindFetch
	fetches, err := store.ListRuns(ctx, &kind, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns(fetch) error = %v", err)
	}
	if len(fetches) != 3 {
		t.Errorf("fetch runs = %d, want 3", len(fetches))
	}

	page, err := store.ListRuns(ctx, nil, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns(page) error = %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page len = %d, want 2", len(page))
	}
}

func TestArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newRun(RunKindFetch, time.Now().UTC())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	failure := "access denied"
	artifacts := []*Artifact{
		{ID: uuid.NewString(), RunID: run.ID, Job: "prod", LogGroup: "/app/prod", Path: "out/prod.json", Events: 120, Pages: 3, Status: "succeeded", CreatedAt: time.Now().UTC()},
		{ID: uuid.NewString(), RunID: run.ID, Job: "api", LogGroup: "/app/api", Status: "failed", Error: &failure, CreatedAt: time.Now().UTC().Add(time.Millisecond)},
	}
	for _, a := range artifacts {
		if err := store.CreateArtifact(ctx, a); err != nil {
			t.Fatalf("CreateArtifact() error = %v", err)
		}
	}

	got, err := store.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListArtifactsByRun() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Job != "prod" || got[0].Events != 120 || got[0].Pages != 3 {
		t.Errorf("artifact = %+v", got[0])
	}
	if got[1].Error == nil || *got[1].Error != failure {
		t.Errorf("failed artifact error = %v", got[1].Error)
	}
}

func TestArtifactRequiresRun(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateArtifact(context.Background(), &Artifact{
		ID: uuid.NewString(), RunID: "missing", Job: "x", LogGroup: "/x",
		Status: "succeeded", CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newRun(RunKindLaunch, time.Now().UTC())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID: uuid.NewString(), RunID: run.ID, InstanceID: "i-0123",
		State: "launching", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	ip := "203.0.113.10"
	if err := store.UpdateInstanceState(ctx, inst.ID, "running", &ip, nil, nil); err != nil {
		t.Fatalf("UpdateInstanceState() error = %v", err)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.State != "running" {
		t.Errorf("state = %s", got.State)
	}
	if got.PublicIP == nil || *got.PublicIP != ip {
		t.Errorf("public ip = %v", got.PublicIP)
	}

	// A later state-only update keeps the previously stored addresses
	url := "http://203.0.113.10:8000"
	if err := store.UpdateInstanceState(ctx, inst.ID, "ready", nil, nil, &url); err != nil {
		t.Fatalf("UpdateInstanceState() error = %v", err)
	}
	got, err = store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PublicIP == nil || *got.PublicIP != ip {
		t.Error("COALESCE update must preserve the existing ip")
	}
	if got.APIURL == nil || *got.APIURL != url {
		t.Errorf("api url = %v", got.APIURL)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newRun(RunKindFetch, time.Now().UTC())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateArtifact(ctx, &Artifact{
		ID: uuid.NewString(), RunID: run.ID, Job: "x", LogGroup: "/x",
		Status: "succeeded", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}

	artifacts, err := store.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 0 {
		t.Errorf("artifacts survived delete: %d", len(artifacts))
	}
}

func TestListInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newRun(RunKindLaunch, time.Now().UTC())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		now := time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := store.CreateInstance(ctx, &Instance{
			ID: uuid.NewString(), RunID: run.ID,
			InstanceID: fmt.Sprintf("i-%04d", i), State: "ready",
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	instances, err := store.ListInstances(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("len = %d, want 2", len(instances))
	}
	if instances[0].InstanceID != "i-0002" {
		t.Errorf("first instance = %s, want most recent", instances[0].InstanceID)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	uninitialized, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatal(err)
	}
	if err := uninitialized.HealthCheck(context.Background()); err == nil {
		t.Error("expected error before Init")
	}
}
