// Package store implements the durable command log and enrollment state on
// top of the local Badger database. The store is the single source of truth
// for command status: all writers go through it and record mutations are
// serialized per store instance.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/dgraph-io/badger/v2"

	"github.com/wardenmdm/warden/pkg/database"
)

const commandKeyPrefix = "command/"

// Status is the lifecycle state of a persisted command record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is a persisted command. Payload is kept opaque so that a record
// can be re-parsed and re-dispatched after a restart.
type Record struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// CommandStore is the durable queue of commands awaiting delivery.
type CommandStore struct {
	db    *database.DB
	clock clock.Clock

	// serializes read-modify-write cycles on records. Badger transactions
	// already conflict-detect, but the queue wants single-writer semantics
	// rather than retry-on-conflict.
	mu sync.Mutex
}

// NewCommandStore creates a command store backed by db.
func NewCommandStore(db *database.DB, ck clock.Clock) *CommandStore {
	if ck == nil {
		ck = clock.C
	}
	return &CommandStore{db: db, clock: ck}
}

func commandKey(id string) []byte {
	return []byte(commandKeyPrefix + id)
}

// Enqueue inserts or overwrites the record for rec.ID. Re-submission of an
// already-known id replaces payload and status rather than duplicating the
// record, so server-side redelivery is harmless. CreatedAt of an existing
// record is preserved to keep FIFO ordering stable.
func (s *CommandStore) Enqueue(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(rec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.AttemptCount = existing.AttemptCount
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	return s.put(rec)
}

// Get returns the record for id, or nil if it does not exist.
func (s *CommandStore) Get(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// ListPending returns Pending and InProgress records ordered by creation
// time ascending. InProgress is included because an InProgress record found
// outside an active dispatch means the process died mid-attempt and the
// command must be retried, not considered running.
func (s *CommandStore) ListPending() ([]Record, error) {
	recs, err := s.list(func(r *Record) bool {
		return r.Status == StatusPending || r.Status == StatusInProgress
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// MarkInProgress transitions the record to InProgress and stamps the
// attempt time.
func (s *CommandStore) MarkInProgress(id string) error {
	return s.update(id, func(r *Record) {
		r.Status = StatusInProgress
		r.LastAttemptAt = s.clock.Now()
	})
}

// MarkCompleted transitions the record to Completed. Terminal.
func (s *CommandStore) MarkCompleted(id string) error {
	return s.update(id, func(r *Record) {
		r.Status = StatusCompleted
		r.Error = ""
	})
}

// MarkFailed transitions the record to Failed, increments the attempt count
// and stores the error detail.
func (s *CommandStore) MarkFailed(id string, execErr error) error {
	return s.update(id, func(r *Record) {
		r.Status = StatusFailed
		r.AttemptCount++
		r.LastAttemptAt = s.clock.Now()
		if execErr != nil {
			r.Error = execErr.Error()
		}
	})
}

// ResetStalled transitions Failed records with attempt counts below the
// ceiling back to Pending so they get another delivery attempt. Records at
// or above the ceiling are left Failed permanently. Returns the ids that
// were reset.
func (s *CommandStore) ResetStalled(maxAttempts int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.listLocked(func(r *Record) bool {
		return r.Status == StatusFailed && r.AttemptCount < maxAttempts
	})
	if err != nil {
		return nil, err
	}

	var reset []string
	for _, rec := range recs {
		rec.Status = StatusPending
		if err := s.put(rec); err != nil {
			return reset, err
		}
		reset = append(reset, rec.ID)
	}
	return reset, nil
}

// RecoverInProgress demotes InProgress records back to Pending. Run once at
// startup: anything InProgress at that point was interrupted by process
// death and is eligible for retry.
func (s *CommandStore) RecoverInProgress() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.listLocked(func(r *Record) bool {
		return r.Status == StatusInProgress
	})
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		rec.Status = StatusPending
		if err := s.put(rec); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// PurgeCompleted deletes Completed records whose last activity is older
// than the retention window.
func (s *CommandStore) PurgeCompleted(olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.purge(func(r *Record) bool {
		return r.Status == StatusCompleted && s.lastActivity(r).Before(cutoff)
	})
}

// PurgeExhausted deletes Failed records that have exhausted their retry
// budget and whose last activity is older than the retention window.
// Failed records below the ceiling are kept: they are still candidates for
// ResetStalled.
func (s *CommandStore) PurgeExhausted(maxAttempts int, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.purge(func(r *Record) bool {
		return r.Status == StatusFailed && r.AttemptCount >= maxAttempts && s.lastActivity(r).Before(cutoff)
	})
}

func (s *CommandStore) lastActivity(r *Record) time.Time {
	if !r.LastAttemptAt.IsZero() {
		return r.LastAttemptAt
	}
	return r.CreatedAt
}

func (s *CommandStore) purge(match func(*Record) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.listLocked(match)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := s.db.Delete(commandKey(rec.ID)); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (s *CommandStore) update(id string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("command %s: not found", id)
	}
	mutate(rec)
	return s.put(*rec)
}

func (s *CommandStore) get(id string) (*Record, error) {
	raw, err := s.db.Get(commandKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal command %s: %w", id, err)
	}
	return &rec, nil
}

func (s *CommandStore) put(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", rec.ID, err)
	}
	return s.db.Set(commandKey(rec.ID), raw)
}

func (s *CommandStore) list(match func(*Record) bool) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(match)
}

func (s *CommandStore) listLocked(match func(*Record) bool) ([]Record, error) {
	var recs []Record
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(commandKeyPrefix)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshal command %s: %w", it.Item().Key(), err)
			}
			if match == nil || match(&rec) {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
