// Package scheduler drives queued commands to completion: it re-reads
// unfinished work from the durable store, executes one attempt per command
// and applies the command-level retry policy across process restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/dispatch"
	"github.com/wardenmdm/warden/pkg/store"
)

const defaultPollInterval = 30 * time.Second

// Scheduler is the single worker that delivers queued commands. All
// attempts run on one goroutine, which is what guarantees a single
// in-flight attempt per command id at any time.
type Scheduler struct {
	Store       *store.CommandStore
	Dispatcher  *dispatch.Dispatcher
	Reporter    dispatch.Reporter
	MaxAttempts int
	// RetryBase is the delay after a first failure; it doubles per attempt
	// and is capped at five times the base.
	RetryBase    time.Duration
	PollInterval time.Duration

	clock  clock.Clock
	notify chan struct{}
	cancel chan struct{}
}

func New(st *store.CommandStore, d *dispatch.Dispatcher, reporter dispatch.Reporter, ck clock.Clock) *Scheduler {
	if ck == nil {
		ck = clock.C
	}
	return &Scheduler{
		Store:        st,
		Dispatcher:   d,
		Reporter:     reporter,
		MaxAttempts:  constant.MaxCommandAttempts,
		RetryBase:    30 * time.Second,
		PollInterval: defaultPollInterval,
		clock:        ck,
		notify:       make(chan struct{}, 1),
		cancel:       make(chan struct{}, 1),
	}
}

// Notify wakes the worker to run a delivery pass without waiting for the
// next poll tick. Safe to call from any goroutine; coalesces.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recover demotes records left InProgress by a previous process and makes
// stalled failures eligible again. Run once before Execute.
func (s *Scheduler) Recover() error {
	n, err := s.Store.RecoverInProgress()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("recovered interrupted commands")
	}
	reset, err := s.Store.ResetStalled(s.MaxAttempts)
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		log.Info().Strs("commands", reset).Msg("reset stalled commands")
	}
	return nil
}

// Execute runs the delivery loop. Compatible with oklog/run.
func (s *Scheduler) Execute() error {
	log.Debug().Msg("start command scheduler")

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancel:
			return nil
		case <-s.notify:
		case <-ticker.C:
		}
		if err := s.RunPass(); err != nil {
			log.Error().Err(err).Msg("command delivery pass")
		}
	}
}

func (s *Scheduler) Interrupt(err error) {
	select {
	case s.cancel <- struct{}{}:
	default:
	}
	log.Debug().Err(err).Msg("interrupt command scheduler")
}

// RunPass attempts delivery of every eligible pending command in FIFO
// order, then re-arms failed-but-retryable records for the next pass.
func (s *Scheduler) RunPass() error {
	recs, err := s.Store.ListPending()
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if !s.eligible(rec) {
			continue
		}
		s.attempt(rec)
	}

	// failures below the ceiling go back to pending; their LastAttemptAt
	// gates how soon the next pass may pick them up
	if _, err := s.Store.ResetStalled(s.MaxAttempts); err != nil {
		return err
	}
	return nil
}

// eligible applies the per-command backoff: first attempts run
// immediately, retries wait RetryBase doubling per attempt, capped at five
// times the base.
func (s *Scheduler) eligible(rec store.Record) bool {
	if rec.AttemptCount == 0 || rec.LastAttemptAt.IsZero() {
		return true
	}
	delay := s.RetryBase
	for i := 1; i < rec.AttemptCount; i++ {
		delay *= 2
		if delay >= 5*s.RetryBase {
			delay = 5 * s.RetryBase
			break
		}
	}
	return !s.clock.Now().Before(rec.LastAttemptAt.Add(delay))
}

func (s *Scheduler) attempt(rec store.Record) {
	if err := s.Store.MarkInProgress(rec.ID); err != nil {
		log.Error().Err(err).Str("command", rec.ID).Msg("mark in progress")
		return
	}

	var payload map[string]interface{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			// opaque payload corruption degrades to an Unknown-style empty
			// payload rather than wedging the queue
			log.Error().Err(err).Str("command", rec.ID).Msg("unmarshal stored payload")
		}
	}
	cmd := command.Parse(rec.ID, rec.Type, payload)

	log.Debug().Str("command", rec.ID).Str("kind", string(cmd.Kind)).Int("attempt", rec.AttemptCount+1).Msg("dispatching command")
	res := s.Dispatcher.Execute(context.Background(), cmd)

	if res.Err == nil {
		if err := s.Store.MarkCompleted(rec.ID); err != nil {
			log.Error().Err(err).Str("command", rec.ID).Msg("mark completed")
			return
		}
		if err := s.Reporter.CompleteCommand(rec.ID, res.Output); err != nil {
			log.Info().Err(err).Str("command", rec.ID).Msg("report completion")
		}
		return
	}

	if err := s.Store.MarkFailed(rec.ID, res.Err); err != nil {
		log.Error().Err(err).Str("command", rec.ID).Msg("mark failed")
		return
	}
	updated, err := s.Store.Get(rec.ID)
	if err != nil || updated == nil {
		log.Error().Err(err).Str("command", rec.ID).Msg("reload failed command")
		return
	}
	if updated.AttemptCount >= s.MaxAttempts {
		log.Error().Err(res.Err).Str("command", rec.ID).Int("attempts", updated.AttemptCount).Msg("command failed permanently")
		// best-effort: the server learns about the exhausted command even
		// if this particular report is lost
		if err := s.Reporter.FailCommand(rec.ID, res.Err.Error()); err != nil {
			log.Info().Err(err).Str("command", rec.ID).Msg("report failure")
		}
		return
	}
	log.Info().Err(res.Err).Str("command", rec.ID).Int("attempts", updated.AttemptCount).Msg("command attempt failed, will retry")
}
