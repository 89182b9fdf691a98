// Package queue implements the durable, database-backed job queue shared by
// the relayer and indexer. Each job follows an explicit state machine:
//
//	pending -> active -> succeeded
//	                  -> retrying -> active ...
//	                  -> failed
//	active (lease expired) -> retrying | failed
//
// Attempts and the next eligible time live on the job row, so a restart
// resumes where the previous process stopped. A job left active by a worker
// that died is recovered once its lease expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rightly/storage"
)

var (
	// ErrNotFound is returned when a job id does not exist in this queue.
	ErrNotFound = errors.New("queue: job not found")
	// ErrJobActive is returned when removing a job a worker holds under a
	// live lease.
	ErrJobActive = errors.New("queue: job is active")
	// ErrNotClaimed is returned when completing or failing a job that is no
	// longer active, for example after an operator removed it.
	ErrNotClaimed = errors.New("queue: job not active")
)

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
	defaultLease        = 10 * time.Minute
	claimBatch          = 8
)

var claimable = []string{string(storage.JobPending), string(storage.JobRetrying)}

const errLeaseExpired = "lease expired while active"

// Option adjusts the behaviour of the queue.
type Option func(*config)

type config struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
	lease        time.Duration
	now          func() time.Time
}

// WithMaxAttempts sets the attempt ceiling after which a job is failed.
func WithMaxAttempts(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxAttempts = n
		}
	}
}

// WithBackoff configures the exponential retry delay.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(cfg *config) {
		if base > 0 {
			cfg.baseDelay = base
		}
		if ceiling > 0 {
			cfg.maxDelay = ceiling
		}
	}
}

// WithPollInterval sets how often Dequeue checks for eligible work.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

// WithLease sets how long a claimed job may stay active before it is
// considered abandoned and handed to another worker. It must exceed the
// longest handler run.
func WithLease(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.lease = d
		}
	}
}

// withClock overrides the clock used for eligibility (test only).
func withClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is one named queue inside the shared jobs table.
type Queue struct {
	db      *gorm.DB
	name    string
	cfg     config
	metrics *queueMetrics
}

// New constructs a queue named name over db.
func New(db *gorm.DB, name string, opts ...Option) *Queue {
	cfg := config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		pollInterval: defaultPollInterval,
		lease:        defaultLease,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{db: db, name: strings.TrimSpace(name), cfg: cfg, metrics: metrics()}
}

// Name reports the queue name.
func (q *Queue) Name() string { return q.name }

// MaxAttempts reports the configured attempt ceiling.
func (q *Queue) MaxAttempts() int { return q.cfg.maxAttempts }

func (q *Queue) now() time.Time { return q.cfg.now().UTC() }

// Enqueue durably appends a job. The payload is JSON encoded and never
// modified afterwards.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (*storage.Job, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	now := q.now()
	job := &storage.Job{
		ID:             uuid.NewString(),
		Queue:          q.name,
		Name:           name,
		State:          storage.JobPending,
		Payload:        string(encoded),
		MaxAttempts:    q.cfg.maxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.metrics.record(q.name, "enqueued")
	return job, nil
}

// RecoverStalled releases active jobs whose lease expired. Jobs with attempts
// left become retrying and are eligible immediately; jobs at the ceiling are
// failed. It returns the number of jobs released.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	now := q.now()
	cutoff := now.Add(-q.cfg.lease)
	stalled := q.db.WithContext(ctx).
		Model(&storage.Job{}).
		Where("queue = ? AND state = ? AND updated_at < ?", q.name, string(storage.JobActive), cutoff)

	failed := stalled.Session(&gorm.Session{}).
		Where("attempts >= max_attempts").
		Updates(map[string]any{
			"state":       string(storage.JobFailed),
			"last_error":  errLeaseExpired,
			"finished_at": now,
			"updated_at":  now,
		})
	if failed.Error != nil {
		return 0, fmt.Errorf("queue: fail stalled: %w", failed.Error)
	}
	retried := stalled.Session(&gorm.Session{}).
		Where("attempts < max_attempts").
		Updates(map[string]any{
			"state":            string(storage.JobRetrying),
			"last_error":       errLeaseExpired,
			"next_eligible_at": now,
			"updated_at":       now,
		})
	if retried.Error != nil {
		return failed.RowsAffected, fmt.Errorf("queue: retry stalled: %w", retried.Error)
	}
	q.metrics.add(q.name, "failed", failed.RowsAffected)
	q.metrics.add(q.name, "recovered", retried.RowsAffected)
	return failed.RowsAffected + retried.RowsAffected, nil
}

// Claim moves the oldest eligible job to active and returns it. It returns
// nil without error when nothing is eligible. Stalled jobs are recovered
// first. The state-guarded update means two workers can never hold the same
// job.
func (q *Queue) Claim(ctx context.Context) (*storage.Job, error) {
	if _, err := q.RecoverStalled(ctx); err != nil {
		return nil, err
	}
	now := q.now()
	var candidates []storage.Job
	err := q.db.WithContext(ctx).
		Select("id").
		Where("queue = ? AND state IN ? AND next_eligible_at <= ?", q.name, claimable, now).
		Order("next_eligible_at, created_at").
		Limit(claimBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: find eligible: %w", err)
	}
	for _, candidate := range candidates {
		res := q.db.WithContext(ctx).
			Model(&storage.Job{}).
			Where("id = ? AND state IN ?", candidate.ID, claimable).
			Updates(map[string]any{
				"state":      string(storage.JobActive),
				"attempts":   gorm.Expr("attempts + ?", 1),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: claim: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		return q.Get(ctx, candidate.ID)
	}
	return nil, nil
}

// Dequeue waits for the next eligible job. It returns the context error once
// ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*storage.Job, error) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.pollInterval):
		}
	}
}

// Complete marks an active job succeeded and stores its JSON result.
func (q *Queue) Complete(ctx context.Context, job *storage.Job, result any) error {
	encoded := ""
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: encode result: %w", err)
		}
		encoded = string(raw)
	}
	now := q.now()
	if err := q.transition(ctx, job, map[string]any{
		"state":       string(storage.JobSucceeded),
		"result":      encoded,
		"last_error":  "",
		"finished_at": now,
		"updated_at":  now,
	}); err != nil {
		return err
	}
	job.State = storage.JobSucceeded
	job.Result = encoded
	job.FinishedAt = &now
	q.metrics.record(q.name, "succeeded")
	return nil
}

// Fail records a failed attempt. Permanent errors and jobs at the attempt
// ceiling move to failed and stay there for operator inspection; anything
// else is rescheduled with exponential backoff. The resulting state is
// returned.
func (q *Queue) Fail(ctx context.Context, job *storage.Job, cause error) (storage.JobState, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	now := q.now()
	ceiling := job.MaxAttempts
	if ceiling <= 0 {
		ceiling = q.cfg.maxAttempts
	}
	if IsPermanent(cause) || job.Attempts >= ceiling {
		if err := q.transition(ctx, job, map[string]any{
			"state":       string(storage.JobFailed),
			"last_error":  cause.Error(),
			"finished_at": now,
			"updated_at":  now,
		}); err != nil {
			return job.State, err
		}
		job.State = storage.JobFailed
		job.LastError = cause.Error()
		job.FinishedAt = &now
		q.metrics.record(q.name, "failed")
		return storage.JobFailed, nil
	}

	next := now.Add(q.retryDelay(job.Attempts))
	if err := q.transition(ctx, job, map[string]any{
		"state":            string(storage.JobRetrying),
		"last_error":       cause.Error(),
		"next_eligible_at": next,
		"updated_at":       now,
	}); err != nil {
		return job.State, err
	}
	job.State = storage.JobRetrying
	job.LastError = cause.Error()
	job.NextEligibleAt = next
	q.metrics.record(q.name, "retried")
	return storage.JobRetrying, nil
}

func (q *Queue) transition(ctx context.Context, job *storage.Job, fields map[string]any) error {
	if job == nil {
		return errors.New("queue: nil job")
	}
	res := q.db.WithContext(ctx).
		Model(&storage.Job{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, string(storage.JobActive), job.Attempts).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("queue: update job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, job.ID)
	}
	return nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*storage.Job, error) {
	var job storage.Job
	err := q.db.WithContext(ctx).Take(&job, "id = ? AND queue = ?", id, q.name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job: %w", err)
	}
	return &job, nil
}

// Counts reports how many jobs sit in each state.
type Counts struct {
	Pending   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Retrying  int64 `json:"delayed"`
	Succeeded int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts groups the queue's jobs by state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		State string
		Total int64
	}
	err := q.db.WithContext(ctx).
		Model(&storage.Job{}).
		Select("state, count(*) AS total").
		Where("queue = ?", q.name).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	var counts Counts
	for _, row := range rows {
		switch storage.JobState(row.State) {
		case storage.JobPending:
			counts.Pending = row.Total
		case storage.JobActive:
			counts.Active = row.Total
		case storage.JobRetrying:
			counts.Retrying = row.Total
		case storage.JobSucceeded:
			counts.Succeeded = row.Total
		case storage.JobFailed:
			counts.Failed = row.Total
		}
	}
	return counts, nil
}

// List returns up to limit jobs, newest first, optionally filtered by state.
func (q *Queue) List(ctx context.Context, state storage.JobState, limit int) ([]storage.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	tx := q.db.WithContext(ctx).Where("queue = ?", q.name)
	if state != "" {
		tx = tx.Where("state = ?", string(state))
	}
	var jobs []storage.Job
	if err := tx.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return jobs, nil
}

// Remove deletes a job unless a worker holds it under a live lease.
func (q *Queue) Remove(ctx context.Context, id string) error {
	cutoff := q.now().Add(-q.cfg.lease)
	res := q.db.WithContext(ctx).
		Where("id = ? AND queue = ? AND (state <> ? OR updated_at < ?)", id, q.name, string(storage.JobActive), cutoff).
		Delete(&storage.Job{})
	if res.Error != nil {
		return fmt.Errorf("queue: remove: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrJobActive
}

// DecodePayload unmarshals the job payload into v.
func DecodePayload(job *storage.Job, v any) error {
	if job == nil {
		return errors.New("queue: nil job")
	}
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return fmt.Errorf("queue: decode payload of %s: %w", job.ID, err)
	}
	return nil
}
