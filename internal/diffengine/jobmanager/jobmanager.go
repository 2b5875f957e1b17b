// Package jobmanager implements the Diff Job Manager (spec §4.8): submit,
// status, cancel, result retrieval and purge of diff jobs, with dedup,
// persistence, restart recovery and a bounded worker pool.
package jobmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/diffengine/internal/diffengine/config"
	"github.com/cuemby/diffengine/internal/diffengine/dag"
	"github.com/cuemby/diffengine/internal/diffengine/diffcore"
	"github.com/cuemby/diffengine/internal/diffengine/errkind"
	"github.com/cuemby/diffengine/internal/diffengine/fallback"
	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/kvstore"
	"github.com/cuemby/diffengine/internal/diffengine/model"
	"github.com/cuemby/diffengine/internal/diffengine/snapmap"
	"github.com/cuemby/diffengine/pkg/logx"
	"github.com/cuemby/diffengine/pkg/metrics"
)

// Status is a diff job's lifecycle state (spec §4.8 state machine).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether a status can never transition further.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// JobOptions are the caller-supplied parameters of a diff job (spec §4.8,
// part of the dedup key).
type JobOptions struct {
	RenameDetection config.RenameDetection `json:"rename_detection"`
	KeyBudget       int64                  `json:"key_budget"`
	Deadline        time.Duration          `json:"deadline"`
}

func (o JobOptions) dedupFragment() string {
	return fmt.Sprintf("%s|%d|%d", o.RenameDetection, o.KeyBudget, o.Deadline)
}

// Job is the persisted record of one diff job (spec §4.8).
type Job struct {
	ID          string             `json:"id"`
	From        model.SnapshotID   `json:"from"`
	To          model.SnapshotID   `json:"to"`
	Options     JobOptions         `json:"options"`
	Status      Status             `json:"status"`
	Algorithm   model.Algorithm    `json:"algorithm,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	KeysSeen    int64              `json:"keys_seen"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	FinishedAt  time.Time          `json:"finished_at,omitempty"`
}

func dedupKey(from, to model.SnapshotID, opts JobOptions) string {
	h := sha256.Sum256([]byte(string(from) + "|" + string(to) + "|" + opts.dedupFragment()))
	return hex.EncodeToString(h[:])
}

// Manager runs the diff job lifecycle (spec §4.8).
type Manager struct {
	kv     *kvstore.Store
	store  host.Store
	snaps  *snapmap.Map
	dag    *dag.DAG
	opener diffcore.Opener
	cfg    config.Config

	sem *semaphore.Weighted

	mu        sync.Mutex
	jobs      map[string]*Job
	dedupMap  map[string]string // dedupKey -> job id, only while not terminal
	cancelled map[string]bool
	results   map[string][]model.DiffEvent
	queueLen  int
}

// New builds a job manager. opener resolves SST file ids for the fast path
// (live host reads falling back to the backup store).
func New(kv *kvstore.Store, store host.Store, snaps *snapmap.Map, d *dag.DAG, opener diffcore.Opener, cfg config.Config) *Manager {
	return &Manager{
		kv:        kv,
		store:     store,
		snaps:     snaps,
		dag:       d,
		opener:    opener,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		jobs:      make(map[string]*Job),
		dedupMap:  make(map[string]string),
		cancelled: make(map[string]bool),
		results:   make(map[string][]model.DiffEvent),
	}
}

// Restore reloads persisted jobs on startup, requeuing anything still marked
// RUNNING (it cannot have survived the process restart) back to QUEUED
// (spec §4.8, restart recovery).
func (m *Manager) Restore() error {
	entries, err := m.kv.ScanAll(kvstore.NamespaceJobs)
	if err != nil {
		return fmt.Errorf("jobmanager: restore scan: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		var job Job
		if err := json.Unmarshal(e.Value, &job); err != nil {
			return fmt.Errorf("jobmanager: restore decode %s: %w", e.Key, err)
		}
		if job.Status == StatusRunning {
			job.Status = StatusQueued
			job.StartedAt = time.Time{}
		}
		m.jobs[job.ID] = &job
		if !job.Status.IsTerminal() {
			m.dedupMap[dedupKey(job.From, job.To, job.Options)] = job.ID
		}
		if raw, err := m.kv.Get(kvstore.NamespaceResults, []byte(job.ID)); err == nil && raw != nil {
			var events []model.DiffEvent
			if err := json.Unmarshal(raw, &events); err == nil {
				m.results[job.ID] = events
			}
		}
	}
	logx.WithComponent("jobmanager").Info().Int("jobs", len(entries)).Msg("job manager restored")

	for _, job := range m.jobs {
		if job.Status == StatusQueued {
			go m.runJob(job.ID)
		}
	}
	return nil
}

// Submit enqueues a new diff job, or returns the existing job id if an
// identical (from,to,options) job is already in flight (spec §4.8 dedup).
func (m *Manager) Submit(from, to model.SnapshotID, opts JobOptions) (string, error) {
	if _, err := m.snaps.Get(from); err != nil {
		return "", err
	}
	if _, err := m.snaps.Get(to); err != nil {
		return "", err
	}

	key := dedupKey(from, to, opts)

	m.mu.Lock()
	if existing, ok := m.dedupMap[key]; ok {
		m.mu.Unlock()
		metrics.JobsDedupedTotal.Inc()
		return existing, nil
	}
	if m.queueLen >= m.cfg.MaxQueuedJobs {
		m.mu.Unlock()
		return "", errkind.ErrTooBusy
	}

	id := uuid.New().String()
	job := &Job{
		ID:        id,
		From:      from,
		To:        to,
		Options:   opts,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
	m.jobs[id] = job
	m.dedupMap[key] = id
	m.queueLen++
	m.mu.Unlock()

	if err := m.persist(job); err != nil {
		return "", err
	}
	metrics.JobsSubmittedTotal.Inc()
	metrics.JobsByStatus.WithLabelValues(string(StatusQueued)).Inc()

	go m.runJob(id)
	return id, nil
}

func (m *Manager) persist(job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobmanager: encode job %s: %w", job.ID, err)
	}
	if err := m.kv.Put(kvstore.NamespaceJobs, []byte(job.ID), payload); err != nil {
		return fmt.Errorf("jobmanager: persist job %s: %w", job.ID, err)
	}
	return nil
}

func (m *Manager) persistResults(jobID string, events []model.DiffEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("jobmanager: encode results %s: %w", jobID, err)
	}
	return m.kv.Put(kvstore.NamespaceResults, []byte(jobID), payload)
}

func (m *Manager) runJob(id string) {
	ctx := context.Background()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if job.Status != StatusQueued {
		// Cancelled before a worker picked it up: the status is already final.
		delete(m.cancelled, id)
		m.mu.Unlock()
		_ = m.persist(job)
		return
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	m.mu.Unlock()
	metrics.JobsByStatus.WithLabelValues(string(StatusQueued)).Dec()
	metrics.JobsByStatus.WithLabelValues(string(StatusRunning)).Inc()
	_ = m.persist(job)

	deadline := job.Options.Deadline
	if deadline <= 0 {
		deadline = m.cfg.PerJobDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	timer := metrics.NewTimer()
	events, algo, keysSeen, runErr := m.execute(runCtx, job)

	m.mu.Lock()
	job.KeysSeen = keysSeen
	job.Algorithm = algo
	job.FinishedAt = time.Now()
	if runErr != nil {
		if runErr == errkind.ErrCancelled {
			job.Status = StatusCancelled
		} else {
			job.Status = StatusFailed
			job.ErrorKind = errkind.Kind(runErr)
			job.ErrorDetail = runErr.Error()
		}
	} else {
		job.Status = StatusDone
		m.results[id] = events
	}
	delete(m.dedupMap, dedupKey(job.From, job.To, job.Options))
	if m.queueLen > 0 {
		m.queueLen--
	}
	delete(m.cancelled, id)
	m.mu.Unlock()

	metrics.JobsByStatus.WithLabelValues(string(StatusRunning)).Dec()
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Status), string(algo)).Inc()
	timer.ObserveDurationVec(metrics.JobDuration, string(algo))
	if algo == model.AlgorithmFallback {
		metrics.FallbackTotal.Inc()
	}
	metrics.KeysDiffedTotal.WithLabelValues(string(algo)).Add(float64(keysSeen))

	if runErr != nil {
		logx.WithJobID(id).Warn().Err(runErr).Msg("diff job finished with error")
	} else if err := m.persistResults(id, events); err != nil {
		logx.WithJobID(id).Error().Err(err).Msg("failed to persist diff job results")
	}
	_ = m.persist(job)
}

func (m *Manager) execute(ctx context.Context, job *Job) ([]model.DiffEvent, model.Algorithm, int64, error) {
	cancelled := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.cancelled[job.ID]
	}

	from, err := m.snaps.Get(job.From)
	if err != nil {
		return nil, "", 0, err
	}
	to, err := m.snaps.Get(job.To)
	if err != nil {
		return nil, "", 0, err
	}

	budget := job.Options.KeyBudget
	if budget <= 0 {
		budget = m.cfg.PerJobKeyBudget
	}
	rename := job.Options.RenameDetection
	if rename == "" {
		rename = m.cfg.RenameDetection
	}
	fastOpts := diffcore.Options{
		RenameDetection: rename,
		KeyBudget:       budget,
		CancelEvery:     m.cfg.CancelCheckInterval,
	}
	res, err := diffcore.Run(ctx, m.dag, m.opener, from, to, fastOpts, cancelled)
	if err == nil {
		return res.Events, res.Algorithm, res.KeysSeen, nil
	}
	if !errors.Is(err, diffcore.ErrDegradedLineage) && !errors.Is(err, diffcore.ErrRequiresFullScan) {
		return nil, "", 0, err
	}

	logx.WithJobID(job.ID).Info().Msg("fast path unavailable, running fallback scan")
	fbOpts := fallback.Options{KeyBudget: budget, CancelEvery: m.cfg.CancelCheckInterval}
	fbRes, err := fallback.Run(ctx, m.store, job.From, job.To, fbOpts, cancelled)
	if err != nil {
		return nil, "", 0, err
	}
	return fbRes.Events, fbRes.Algorithm, fbRes.KeysSeen, nil
}

// Status returns a job's current record.
func (m *Manager) Status(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, errkind.ErrJobNotFound
	}
	return *job, nil
}

// Cancel requests cooperative cancellation of a running or queued job
// (spec §5). Cancelling an already-terminal job returns ErrAlreadyTerminal.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errkind.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return errkind.ErrAlreadyTerminal
	}
	m.cancelled[id] = true
	if job.Status == StatusQueued {
		job.Status = StatusCancelled
		job.FinishedAt = time.Now()
		delete(m.dedupMap, dedupKey(job.From, job.To, job.Options))
		if m.queueLen > 0 {
			m.queueLen--
		}
	}
	return nil
}

// Results returns a page of a DONE job's diff events (spec §4.8 pagination).
func (m *Manager) Results(id string, offset, limit int) ([]model.DiffEvent, int, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, 0, errkind.ErrJobNotFound
	}
	if job.Status != StatusDone {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("job %s is not done", id)
	}
	events := m.results[id]
	m.mu.Unlock()

	total := len(events)
	if limit <= 0 || limit > m.cfg.ResultPageSize {
		limit = m.cfg.ResultPageSize
	}
	if offset >= total {
		return []model.DiffEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return events[offset:end], total, nil
}

// Purge removes jobs whose results have exceeded ResultTTL since finishing
// (spec §4.8, auto-purge).
func (m *Manager) Purge() int {
	cutoff := time.Now().Add(-m.cfg.ResultTTL)

	m.mu.Lock()
	var toDelete []string
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(m.jobs, id)
		delete(m.results, id)
	}
	m.mu.Unlock()

	sort.Strings(toDelete)
	for _, id := range toDelete {
		_ = m.kv.Delete(kvstore.NamespaceJobs, []byte(id))
		_ = m.kv.Delete(kvstore.NamespaceResults, []byte(id))
	}
	return len(toDelete)
}

// List returns every known job, oldest first, for the CLI/HTTP surfaces.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
