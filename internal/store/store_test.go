package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("retouch_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if _, err := s.LastJob(ctx); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("Expected ErrNoJobs on an empty ledger, got %v", err)
	}

	id, err := s.StartJob(ctx, "vid_123", "/tmp/clip.mp4", "/tmp/out.mp4", []string{"face_swapper", "face_enhancer"})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("Expected a run id")
	}

	failures := []Failure{
		{Processor: "face_swapper", Path: "/tmp/retouch/clip/0003.png", Error: "decode 0003.png: unexpected EOF"},
		{Processor: "face_enhancer", Path: "/tmp/retouch/clip/0007.png", Error: "panic: detector segfault"},
	}
	if err := s.RecordFailures(ctx, id, failures); err != nil {
		t.Fatalf("RecordFailures failed: %v", err)
	}
	if err := s.RecordFailures(ctx, id, nil); err != nil {
		t.Fatalf("RecordFailures with no failures: %v", err)
	}

	if err := s.FinishJob(ctx, id, StatusSucceeded, "multi-process", 120, 2); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}
	if err := s.FinishJob(ctx, uuid.New(), StatusFailed, "", 0, 0); err == nil {
		t.Error("Expected error finishing an unknown job")
	}

	job, err := s.LastJob(ctx)
	if err != nil {
		t.Fatalf("LastJob failed: %v", err)
	}
	if job.ID != id || job.Status != StatusSucceeded || job.Frames != 120 || job.Failed != 2 || job.Mode != "multi-process" {
		t.Errorf("Unexpected job %+v", job)
	}
	if len(job.Processors) != 2 || job.Processors[1] != "face_enhancer" {
		t.Errorf("Unexpected processors %v", job.Processors)
	}
	if job.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	got, err := s.Failures(ctx, id)
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if len(got) != 2 || got[0] != failures[0] || got[1] != failures[1] {
		t.Errorf("Unexpected failures %+v", got)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
