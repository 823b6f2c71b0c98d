// Package syncer runs the heartbeat cycle: collect telemetry, send the
// heartbeat, process returned commands and policy, and report back. It owns
// the enrollment credential lifecycle during steady-state operation.
package syncer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/client"
	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/dispatch"
	"github.com/wardenmdm/warden/pkg/policy"
	"github.com/wardenmdm/warden/pkg/store"
)

// State labels the phase of the current sync cycle.
type State string

const (
	StateIdle            State = "idle"
	StateCollecting      State = "collecting"
	StateSending         State = "sending"
	StateProcessing      State = "processing"
	StateRefreshingToken State = "refreshing_token"
)

// ErrNotEnrolled is returned by RunCycle when the device has no enrollment.
var ErrNotEnrolled = errors.New("device is not enrolled")

// Transport is the slice of the server client the syncer needs.
type Transport interface {
	Heartbeat(deviceID string, telemetry map[string]interface{}, policyVersion string) (*client.HeartbeatResponse, error)
	RefreshToken(refreshToken string) (*client.RefreshResponse, error)
	SetToken(token string)
}

// Syncer orchestrates periodic sync cycles.
type Syncer struct {
	Client     Transport
	Enrollment *store.EnrollmentStore
	Dispatcher *dispatch.Dispatcher
	Reconciler *policy.Reconciler

	// Interval is the heartbeat period; lower-bounded by
	// constant.MinSyncInterval.
	Interval time.Duration

	// PushRetryInterval is the base delay between push-token registration
	// attempts.
	PushRetryInterval time.Duration

	// CollectTelemetry builds the telemetry payload for the Collecting
	// phase.
	CollectTelemetry func() map[string]interface{}

	// OnEnrollmentLost is invoked when a token refresh fails terminally and
	// the device must re-enroll. The external UI collaborator hooks in
	// here.
	OnEnrollmentLost func()

	mu          sync.Mutex
	state       State
	lastApplied policy.Settings

	syncNow chan struct{}
	cancel  chan struct{}
}

func New(transport Transport, enrollment *store.EnrollmentStore, dispatcher *dispatch.Dispatcher, reconciler *policy.Reconciler) *Syncer {
	s := &Syncer{
		Client:            transport,
		Enrollment:        enrollment,
		Dispatcher:        dispatcher,
		Reconciler:        reconciler,
		Interval:          constant.MinSyncInterval,
		PushRetryInterval: 5 * time.Second,
		state:             StateIdle,
		lastApplied:       policy.Default(),
		syncNow:           make(chan struct{}, 1),
		cancel:            make(chan struct{}, 1),
	}
	return s
}

// RestoreState re-derives the last-applied settings from the stored policy
// document so that reconciliation stays idempotent across restarts. Call
// once at startup.
func (s *Syncer) RestoreState() error {
	doc, err := s.Enrollment.PolicyDocument()
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	s.mu.Lock()
	s.lastApplied = policy.FromDocument(doc, policy.Default())
	s.mu.Unlock()
	return nil
}

// State returns the phase of the cycle currently in flight, or StateIdle.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Syncer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SyncNow requests an immediate extra cycle. Coalesces; safe from any
// goroutine. Wired to the "sync" command.
func (s *Syncer) SyncNow() {
	select {
	case s.syncNow <- struct{}{}:
	default:
	}
}

// Execute runs the periodic sync loop. Compatible with oklog/run.
func (s *Syncer) Execute() error {
	interval := s.Interval
	if interval < constant.MinSyncInterval {
		interval = constant.MinSyncInterval
	}
	log.Debug().Dur("interval", interval).Msg("start syncer")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunCycle(); err != nil {
			log.Error().Err(err).Msg("sync cycle")
		}
		select {
		case <-s.cancel:
			return nil
		case <-s.syncNow:
		case <-ticker.C:
		}
	}
}

func (s *Syncer) Interrupt(err error) {
	select {
	case s.cancel <- struct{}{}:
	default:
	}
	log.Debug().Err(err).Msg("interrupt syncer")
}

// RunCycle performs one full heartbeat cycle. On 401 a single token
// refresh is attempted and the heartbeat retried once; a refresh failure
// means the enrollment is lost.
func (s *Syncer) RunCycle() (err error) {
	defer s.setState(StateIdle)

	enr, err := s.Enrollment.Load()
	if err != nil {
		return err
	}
	if !enr.Enrolled {
		return ErrNotEnrolled
	}

	s.setState(StateCollecting)
	var telemetry map[string]interface{}
	if s.CollectTelemetry != nil {
		telemetry = s.CollectTelemetry()
	}

	s.setState(StateSending)
	resp, err := s.Client.Heartbeat(enr.DeviceID, telemetry, enr.PolicyVersion)
	if errors.Is(err, client.ErrUnauthenticated) {
		resp, err = s.refreshAndRetry(enr, telemetry)
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	s.setState(StateProcessing)
	for _, env := range resp.Commands {
		cmd := command.Parse(env.ID, env.Type, env.Payload)
		if err := s.Dispatcher.Handle(cmd); err != nil {
			log.Error().Err(err).Str("command", env.ID).Msg("handle command")
		}
	}

	if resp.Policy != nil {
		if err := s.ApplyPolicy(resp.Policy); err != nil {
			log.Error().Err(err).Msg("apply policy")
		}
	}

	_, err = s.Enrollment.Update(func(e *store.Enrollment) {
		e.LastSyncAt = time.Now()
	})
	return err
}

// refreshAndRetry performs the one-shot refresh-then-retry flow. It is
// deliberately not recursive: a second 401 after a successful refresh is a
// cycle failure, not another refresh.
func (s *Syncer) refreshAndRetry(enr store.Enrollment, telemetry map[string]interface{}) (*client.HeartbeatResponse, error) {
	s.setState(StateRefreshingToken)
	log.Info().Msg("token expired, refreshing")

	refreshed, err := s.Client.RefreshToken(enr.RefreshToken)
	if err != nil {
		log.Error().Err(err).Msg("token refresh failed, enrollment lost")
		if clearErr := s.Enrollment.Clear(); clearErr != nil {
			log.Error().Err(clearErr).Msg("clear enrollment")
		}
		if s.OnEnrollmentLost != nil {
			s.OnEnrollmentLost()
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	updated, err := s.Enrollment.Update(func(e *store.Enrollment) {
		e.Token = refreshed.Token
		if refreshed.RefreshToken != "" {
			e.RefreshToken = refreshed.RefreshToken
		}
	})
	if err != nil {
		return nil, err
	}
	s.Client.SetToken(updated.Token)

	s.setState(StateSending)
	return s.Client.Heartbeat(enr.DeviceID, telemetry, enr.PolicyVersion)
}

// ApplyPolicy maps the document onto typed settings and reconciles the
// device. The local policy version is bumped only after a successful
// apply, so a failed reconciliation is retried with the next heartbeat.
func (s *Syncer) ApplyPolicy(doc map[string]interface{}) error {
	s.mu.Lock()
	prev := s.lastApplied
	s.mu.Unlock()

	cur := policy.FromDocument(doc, prev)
	result, err := s.Reconciler.Apply(cur, prev)
	if err != nil {
		return fmt.Errorf("reconcile policy %s: %w", cur.General.PolicyVersion, err)
	}
	if result.Skipped {
		return nil
	}

	s.mu.Lock()
	s.lastApplied = cur
	s.mu.Unlock()

	if err := s.Enrollment.SavePolicyDocument(doc); err != nil {
		return err
	}
	_, err = s.Enrollment.Update(func(e *store.Enrollment) {
		e.PolicyVersion = cur.General.PolicyVersion
	})
	if err != nil {
		return err
	}
	log.Info().Str("version", cur.General.PolicyVersion).Msg("policy applied")
	return nil
}
