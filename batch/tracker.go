// Package batch tracks rule batch runs from trigger to completion.
package batch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPartial Status = "PARTIAL"
	StatusStopped Status = "STOPPED"
)

var (
	ErrNotFound      = errors.New("batch not found")
	ErrNotRunning    = errors.New("batch is not running")
	ErrInvalidStatus = errors.New("invalid completion status")
	ErrInvalidBatch  = errors.New("invalid batch")
)

// Batch is one run of the rule set.
type Batch struct {
	ID                int64      `json:"id"`
	UUID              string     `json:"batch_uuid"`
	Name              string     `json:"batch_name"`
	PipelineType      string     `json:"pipeline_type"`
	TriggeredBy       string     `json:"triggered_by"`
	Status            Status     `json:"status"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time"`
	TotalQueries      int        `json:"total_queries"`
	SuccessfulQueries int        `json:"successful_queries"`
	FailedQueries     int        `json:"failed_queries"`
	RowsAffected      int64      `json:"total_rows_affected"`
}

// Outcome reports how a run finished.
type Outcome struct {
	Status            Status `json:"status"`
	SuccessfulQueries int    `json:"successful_queries"`
	FailedQueries     int    `json:"failed_queries"`
	RowsAffected      int64  `json:"total_rows_affected"`
}

// Tracker records batches in memory. Safe for concurrent use.
type Tracker struct {
	batches map[string]*Batch
	nextID  int64
	now     func() time.Time
	mu      sync.RWMutex
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		batches: make(map[string]*Batch),
		now:     time.Now,
	}
}

// Trigger starts a batch over totalQueries rules
func (t *Tracker) Trigger(name, pipelineType, triggeredBy string, totalQueries int) (*Batch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidBatch)
	}
	if totalQueries < 0 {
		return nil, fmt.Errorf("%w: total queries cannot be negative", ErrInvalidBatch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	b := &Batch{
		ID:           t.nextID,
		UUID:         uuid.NewString(),
		Name:         name,
		PipelineType: pipelineType,
		TriggeredBy:  triggeredBy,
		Status:       StatusRunning,
		StartTime:    t.now().UTC(),
		TotalQueries: totalQueries,
	}
	t.batches[b.UUID] = b
	return b.clone(), nil
}

// Complete closes a running batch with a terminal outcome
func (t *Tracker) Complete(batchUUID string, out Outcome) (*Batch, error) {
	switch out.Status {
	case StatusSuccess, StatusFailed, StatusPartial:
	default:
		return nil, fmt.Errorf("%w: %q (want SUCCESS, FAILED or PARTIAL)", ErrInvalidStatus, out.Status)
	}
	if out.SuccessfulQueries < 0 || out.FailedQueries < 0 || out.RowsAffected < 0 {
		return nil, fmt.Errorf("%w: counts cannot be negative", ErrInvalidBatch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.runningLocked(batchUUID)
	if err != nil {
		return nil, err
	}
	if out.SuccessfulQueries+out.FailedQueries > b.TotalQueries {
		return nil, fmt.Errorf("%w: %d successful + %d failed exceeds %d total queries",
			ErrInvalidBatch, out.SuccessfulQueries, out.FailedQueries, b.TotalQueries)
	}

	end := t.now().UTC()
	b.Status = out.Status
	b.EndTime = &end
	b.SuccessfulQueries = out.SuccessfulQueries
	b.FailedQueries = out.FailedQueries
	b.RowsAffected = out.RowsAffected
	return b.clone(), nil
}

// Stop halts a running batch
func (t *Tracker) Stop(batchUUID string) (*Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.runningLocked(batchUUID)
	if err != nil {
		return nil, err
	}
	end := t.now().UTC()
	b.Status = StatusStopped
	b.EndTime = &end
	return b.clone(), nil
}

// Get returns a batch by UUID
func (t *Tracker) Get(batchUUID string) (*Batch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[batchUUID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchUUID, ErrNotFound)
	}
	return b.clone(), nil
}

// List returns every batch, newest first
func (t *Tracker) List() []*Batch {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Batch, 0, len(t.batches))
	for _, b := range t.batches {
		out = append(out, b.clone())
	}
	slices.SortFunc(out, func(a, b *Batch) int {
		// ids grow with trigger order, so they break StartTime ties
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// Running returns the number of batches still running
func (t *Tracker) Running() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.batches {
		if b.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (t *Tracker) runningLocked(batchUUID string) (*Batch, error) {
	b, ok := t.batches[batchUUID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchUUID, ErrNotFound)
	}
	if b.Status != StatusRunning {
		return nil, fmt.Errorf("batch %s is %s: %w", batchUUID, b.Status, ErrNotRunning)
	}
	return b, nil
}

func (b *Batch) clone() *Batch {
	c := *b
	if b.EndTime != nil {
		end := *b.EndTime
		c.EndTime = &end
	}
	return &c
}
