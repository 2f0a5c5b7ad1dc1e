// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"
	"time"

	"opull/pkg/opull"
)

func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()
	settings := opull.DefaultSettings()
	settings.OllamaLibrary.ModelsPath = t.TempDir()
	settings.OllamaLibrary.RegistryBaseURL = "http://127.0.0.1:1/v2/library/"
	settings.OllamaLibrary.Retries = 1
	settings.OllamaServer.CheckModelPresence = false

	hub := NewWSHub()
	go hub.Run()

	mgr := NewJobManager(Config{Settings: settings}, hub)
	t.Cleanup(func() { waitForJobs(t, mgr) })
	return mgr
}

// waitForJobs blocks until no job is queued or running, so the TempDir
// cleanup does not race with pull goroutines still writing into the store.
func waitForJobs(t *testing.T, mgr *JobManager) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		active := false
		for _, job := range mgr.ListJobs() {
			if job.Status == JobStatusQueued || job.Status == JobStatusRunning {
				active = true
				break
			}
		}
		if !active {
			return
		}
		select {
		case <-deadline:
			t.Log("jobs still active at cleanup deadline")
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobManager_CreateJob(t *testing.T) {
	mgr := newTestJobManager(t)

	t.Run("normalizes the reference", func(t *testing.T) {
		job, wasExisting, err := mgr.CreateJob(PullRequest{Model: "llama3"})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if wasExisting {
			t.Error("Expected new job, got existing")
		}
		if job.Model != "llama3:latest" {
			t.Errorf("Expected llama3:latest, got %s", job.Model)
		}
		if job.Provider != opull.ProviderRegistry {
			t.Errorf("Expected registry provider, got %s", job.Provider)
		}
	})

	t.Run("rejects malformed references", func(t *testing.T) {
		if _, _, err := mgr.CreateJob(PullRequest{Model: "owner/name"}); err == nil {
			t.Error("Expected error for registry ref with slash")
		}
		if _, _, err := mgr.CreateJob(PullRequest{Model: "bare", Provider: opull.ProviderHub}); err == nil {
			t.Error("Expected error for hub ref without owner")
		}
	})
}

func TestJobManager_Deduplication(t *testing.T) {
	mgr := newTestJobManager(t)

	job1, wasExisting1, err := mgr.CreateJob(PullRequest{Model: "dedup:test"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if wasExisting1 {
		t.Error("First job should not be existing")
	}

	job2, wasExisting2, err := mgr.CreateJob(PullRequest{Model: "dedup:test"})
	if err != nil {
		t.Fatalf("second CreateJob failed: %v", err)
	}
	if !wasExisting2 {
		t.Error("Second job should be detected as existing")
	}
	if job1.ID != job2.ID {
		t.Errorf("Expected same job, got %s and %s", job1.ID, job2.ID)
	}

	// Same model at the other provider is a different job.
	_, wasExisting3, err := mgr.CreateJob(PullRequest{Model: "dedup/test", Provider: opull.ProviderHub})
	if err != nil {
		t.Fatalf("hub CreateJob failed: %v", err)
	}
	if wasExisting3 {
		t.Error("Hub job should not collide with registry job")
	}
}

func TestJobManager_ReturnsCopies(t *testing.T) {
	mgr := newTestJobManager(t)

	job, _, err := mgr.CreateJob(PullRequest{Model: "copycheck:latest"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Mutating a returned job must not reach the manager's state: handlers
	// marshal these while the pull goroutine updates the original.
	job.Model = "tampered"
	got, ok := mgr.GetJob(job.ID)
	if !ok {
		t.Fatal("job not found")
	}
	if got.Model != "copycheck:latest" {
		t.Errorf("manager state changed through a returned copy: %s", got.Model)
	}

	got.Model = "tampered again"
	again, _ := mgr.GetJob(job.ID)
	if again.Model != "copycheck:latest" {
		t.Errorf("manager state changed through GetJob result: %s", again.Model)
	}
	if got == again {
		t.Error("GetJob returned the same instance twice")
	}
}

func TestJobManager_Cancel(t *testing.T) {
	mgr := newTestJobManager(t)

	job, _, err := mgr.CreateJob(PullRequest{Model: "cancel:me"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if !mgr.CancelJob(job.ID) {
		t.Error("CancelJob returned false for active job")
	}

	got, ok := mgr.GetJob(job.ID)
	if !ok {
		t.Fatal("job disappeared after cancel")
	}
	if got.Status != JobStatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	if mgr.CancelJob("unknown") {
		t.Error("CancelJob returned true for unknown ID")
	}
}

func TestJobManager_FailedJobRecordsError(t *testing.T) {
	mgr := newTestJobManager(t)

	job, _, err := mgr.CreateJob(PullRequest{Model: "unreachable:latest"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// The registry address is dead, so the job must fail on its own.
	deadline := time.After(15 * time.Second)
	for {
		got, _ := mgr.GetJob(job.ID)
		if got.Status == JobStatusFailed {
			if got.Error == "" {
				t.Error("failed job has no error message")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job still %s after deadline", got.Status)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestJobManager_Subscribe(t *testing.T) {
	mgr := newTestJobManager(t)

	ch := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	job, _, err := mgr.CreateJob(PullRequest{Model: "watched:latest"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	select {
	case update := <-ch:
		if update.ID != job.ID {
			t.Errorf("Expected update for %s, got %s", job.ID, update.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no job update received")
	}
}
