package store

import (
	"time"

	"github.com/WatchBeam/clock"
	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/constant"
)

const defaultCleanInterval = 1 * time.Hour

// Cleaner periodically purges finished command records: completed ones
// after a short retention window, exhausted failures after a longer one so
// their error detail stays available for debugging.
type Cleaner struct {
	Store    *CommandStore
	Interval time.Duration

	CompletedRetention time.Duration
	FailedRetention    time.Duration
	MaxAttempts        int

	clock  clock.Clock
	cancel chan struct{}
}

func NewCleaner(st *CommandStore, ck clock.Clock) *Cleaner {
	if ck == nil {
		ck = clock.C
	}
	return &Cleaner{
		Store:              st,
		Interval:           defaultCleanInterval,
		CompletedRetention: constant.CompletedRetention,
		FailedRetention:    constant.FailedRetention,
		MaxAttempts:        constant.MaxCommandAttempts,
		clock:              ck,
		cancel:             make(chan struct{}, 1),
	}
}

// Execute runs the purge loop. Compatible with oklog/run.
func (c *Cleaner) Execute() error {
	log.Debug().Dur("interval", c.Interval).Msg("start store cleaner")
	for {
		if err := c.RunPass(); err != nil {
			log.Error().Err(err).Msg("store cleanup pass")
		}
		select {
		case <-c.cancel:
			return nil
		case <-c.clock.After(c.Interval):
		}
	}
}

func (c *Cleaner) Interrupt(err error) {
	select {
	case c.cancel <- struct{}{}:
	default:
	}
	log.Debug().Err(err).Msg("interrupt store cleaner")
}

// RunPass purges both retention windows once.
func (c *Cleaner) RunPass() error {
	completed, err := c.Store.PurgeCompleted(c.CompletedRetention)
	if err != nil {
		return err
	}
	failed, err := c.Store.PurgeExhausted(c.MaxAttempts, c.FailedRetention)
	if err != nil {
		return err
	}
	if completed+failed > 0 {
		log.Info().Int("completed", completed).Int("failed", failed).Msg("purged command records")
	}
	return nil
}
