// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"opull/pkg/opull"
)

// JobStatus represents the state of a pull job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents one pull job.
type Job struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	Provider  opull.Provider     `json:"provider"`
	Status    JobStatus          `json:"status"`
	Progress  JobProgress        `json:"progress"`
	Outcome   opull.Outcome      `json:"outcome,omitempty"`
	Warning   string             `json:"warning,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`
	Layers    []JobLayerProgress `json:"layers,omitempty"`

	cancel context.CancelFunc
}

// JobProgress holds aggregate progress info.
type JobProgress struct {
	TotalLayers     int   `json:"totalLayers"`
	CompletedLayers int   `json:"completedLayers"`
	TotalBytes      int64 `json:"totalBytes"`
	DownloadedBytes int64 `json:"downloadedBytes"`
}

// JobLayerProgress holds per-blob progress.
type JobLayerProgress struct {
	Digest     string `json:"digest"`
	MediaType  string `json:"mediaType,omitempty"`
	TotalBytes int64  `json:"totalBytes"`
	Downloaded int64  `json:"downloaded"`
	Status     string `json:"status"` // pending, active, complete, skipped
}

// JobManager manages pull jobs.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	config     Config
	listeners  []chan *Job
	listenerMu sync.RWMutex
	wsHub      *WSHub
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg Config, wsHub *WSHub) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		config: cfg,
		wsHub:  wsHub,
	}
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// snapshotJob copies a job for use outside the manager's lock. Handlers and
// listeners marshal jobs while runJob keeps mutating the originals, so they
// only ever see copies.
func snapshotJob(job *Job) *Job {
	cp := *job
	cp.cancel = nil
	if job.Layers != nil {
		cp.Layers = append([]JobLayerProgress(nil), job.Layers...)
	}
	return &cp
}

// updateConfig swaps in new settings for jobs created from now on.
func (m *JobManager) updateConfig(cfg Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// CreateJob creates a new pull job. If an active job for the same model and
// provider already exists, it is returned instead of starting a second pull
// into the same store paths.
func (m *JobManager) CreateJob(req PullRequest) (*Job, bool, error) {
	ref, err := parseRef(req)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.Model == ref.String() && existing.Provider == ref.Provider &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			snap := snapshotJob(existing)
			m.mu.Unlock()
			return snap, true, nil
		}
	}

	job := &Job{
		ID:        generateID(),
		Model:     ref.String(),
		Provider:  ref.Provider,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	snap := snapshotJob(job)
	m.mu.Unlock()

	go m.runJob(job, ref)

	return snap, false, nil
}

func parseRef(req PullRequest) (opull.ModelRef, error) {
	if req.Provider == opull.ProviderHub {
		return opull.ParseHubRef(req.Model)
	}
	return opull.ParseRegistryRef(req.Model)
}

// GetJob retrieves a copy of a job by ID.
func (m *JobManager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return snapshotJob(job), true
}

// ListJobs returns copies of all jobs.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, snapshotJob(job))
	}
	return jobs
}

// CancelJob cancels a running or queued job.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()

	job, ok := m.jobs[id]
	if !ok || (job.Status != JobStatusQueued && job.Status != JobStatusRunning) {
		m.mu.Unlock()
		return false
	}

	if job.cancel != nil {
		job.cancel()
	}
	job.Status = JobStatusCancelled
	now := time.Now()
	job.EndedAt = &now
	snap := snapshotJob(job)
	m.mu.Unlock()

	m.notifyListeners(snap)
	return true
}

// Subscribe adds a listener for job updates.
func (m *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan *Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(job *Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

// runJob executes the pull.
func (m *JobManager) runJob(job *Job, ref opull.ModelRef) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	if job.Status == JobStatusCancelled {
		// Cancelled before the goroutine picked it up.
		m.mu.Unlock()
		return
	}
	job.cancel = cancel
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	settings := m.config.Settings
	snap := snapshotJob(job)
	m.mu.Unlock()
	m.notifyListeners(snap)

	// Progress callback: must not hold the lock when notifying.
	progressFunc := func(ev opull.ProgressEvent) {
		m.mu.Lock()
		switch ev.Event {
		case "manifest":
			job.Progress.TotalBytes = ev.Total

		case "layer_queued":
			job.Progress.TotalLayers++
			job.Layers = append(job.Layers, JobLayerProgress{
				Digest:     ev.Digest,
				MediaType:  ev.MediaType,
				TotalBytes: ev.Total,
				Status:     "pending",
			})

		case "layer_start":
			for i := range job.Layers {
				if job.Layers[i].Digest == ev.Digest {
					job.Layers[i].Status = "active"
					break
				}
			}

		case "layer_progress":
			for i := range job.Layers {
				if job.Layers[i].Digest == ev.Digest {
					job.Layers[i].Downloaded = ev.Downloaded
					break
				}
			}
			job.Progress.DownloadedBytes = sumDownloaded(job.Layers)

		case "layer_done":
			status := "complete"
			if strings.HasPrefix(ev.Message, "skip") {
				status = "skipped"
			}
			for i := range job.Layers {
				if job.Layers[i].Digest == ev.Digest {
					job.Layers[i].Status = status
					job.Layers[i].Downloaded = job.Layers[i].TotalBytes
					break
				}
			}
			job.Progress.CompletedLayers++
			job.Progress.DownloadedBytes = sumDownloaded(job.Layers)
		}
		snap := snapshotJob(job)
		m.mu.Unlock()
		m.notifyListeners(snap)
	}

	var res *opull.Result
	sess, err := opull.NewSession(settings, ref.Provider, progressFunc)
	if err == nil {
		res, err = sess.Pull(ctx, ref)
	}

	m.mu.Lock()
	endTime := time.Now()
	job.EndedAt = &endTime
	switch {
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
		if res != nil {
			job.Outcome = res.Outcome
		}
	case res.Outcome == opull.OutcomeCancelled:
		job.Status = JobStatusCancelled
		job.Outcome = res.Outcome
	default:
		job.Status = JobStatusCompleted
		job.Outcome = res.Outcome
		job.Warning = res.Warning
	}
	snap = snapshotJob(job)
	m.mu.Unlock()

	m.notifyListeners(snap)
}

func sumDownloaded(layers []JobLayerProgress) int64 {
	var total int64
	for _, l := range layers {
		total += l.Downloaded
	}
	return total
}
