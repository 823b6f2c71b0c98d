package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wardenmdm/warden/pkg/database"
)

const (
	enrollmentKey     = "enrollment"
	policyDocumentKey = "policy/document"
)

// Enrollment is the device's registration with the server. It is mutated
// only by enrollment, token refresh and policy-version updates, and cleared
// on unenrollment or irrecoverable auth failure.
type Enrollment struct {
	DeviceID      string    `json:"device_id"`
	Token         string    `json:"token"`
	RefreshToken  string    `json:"refresh_token"`
	ServerURL     string    `json:"server_url"`
	PolicyVersion string    `json:"policy_version"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	Enrolled      bool      `json:"enrolled"`
}

// EnrollmentStore holds the process-wide enrollment state with durable
// backing. Token refresh and heartbeat can race on it, so every mutation
// goes through Update's read-modify-write under a single lock.
type EnrollmentStore struct {
	db *database.DB
	mu sync.RWMutex
}

func NewEnrollmentStore(db *database.DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

// Load returns the current enrollment state. A device that never enrolled
// gets the zero value with Enrolled=false.
func (s *EnrollmentStore) Load() (Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *EnrollmentStore) load() (Enrollment, error) {
	var e Enrollment
	raw, err := s.db.Get([]byte(enrollmentKey))
	if err != nil {
		return e, err
	}
	if raw == nil {
		return e, nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("unmarshal enrollment: %w", err)
	}
	return e, nil
}

// Update applies mutate to the current state and persists the result
// atomically with respect to other Update/Load callers.
func (s *EnrollmentStore) Update(mutate func(*Enrollment)) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.load()
	if err != nil {
		return e, err
	}
	mutate(&e)
	raw, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal enrollment: %w", err)
	}
	if err := s.db.Set([]byte(enrollmentKey), raw); err != nil {
		return e, err
	}
	return e, nil
}

// Clear wipes the enrollment state. Used on unenrollment and when a token
// refresh fails terminally.
func (s *EnrollmentStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(enrollmentKey))
}

// SavePolicyDocument persists the last policy document received from the
// server so reconciliation can fall back to previously-known values when a
// later document omits fields.
func (s *EnrollmentStore) SavePolicyDocument(doc map[string]interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal policy document: %w", err)
	}
	return s.db.Set([]byte(policyDocumentKey), raw)
}

// PolicyDocument returns the last stored policy document, or nil if none
// was ever stored.
func (s *EnrollmentStore) PolicyDocument() (map[string]interface{}, error) {
	raw, err := s.db.Get([]byte(policyDocumentKey))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal policy document: %w", err)
	}
	return doc, nil
}
