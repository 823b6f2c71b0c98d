// Package database provides the durable local store backing the agent:
// the command log, enrollment state and the last-applied policy document
// all live in a single Badger database.
package database

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog/log"
)

// This is the discard ratio recommended in Badger docs
// (https://pkg.go.dev/github.com/dgraph-io/badger#DB.RunValueLogGC)
const compactionDiscardRatio = 0.5

var compactionInterval = 5 * time.Minute

// DB is a wrapper around the standard badger.DB that provides a background
// compaction routine and small key-value helpers for the single-value state
// the agent keeps (enrollment, policy document).
type DB struct {
	*badger.DB
	closeChan chan struct{}
	m         sync.Mutex // synchronizes start/stop compaction.
}

// Open opens (initializing if necessary) a Badger database at the specified
// path. Users must close the DB with Close().
func Open(path string) (*DB, error) {
	// DefaultOptions sets synchronous writes to true (maximum data integrity).
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}

	d := &DB{DB: db}
	d.startBackgroundCompaction()

	return d, nil
}

// OpenTruncate opens (initializing and/or truncating if necessary) a Badger
// database at the specified path. Users must close the DB with Close().
//
// Prefer Open in the general case, but after a bad shutdown it may be
// necessary to call OpenTruncate. This may cause data loss. Detect this
// situation by looking for badger.ErrTruncateNeeded.
func OpenTruncate(path string) (*DB, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithTruncate(true))
	if err != nil {
		return nil, fmt.Errorf("open badger with truncate %s: %w", path, err)
	}

	d := &DB{DB: db}
	d.startBackgroundCompaction()

	return d, nil
}

// Get returns the value stored at key, or nil (and no error) if the key does
// not exist.
func (d *DB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := d.DB.View(func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set stores the value at key, overwriting any existing value.
func (d *DB) Set(key, value []byte) error {
	err := d.DB.Update(func(tx *badger.Txn) error {
		return tx.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored at key. Deleting a missing key is not an
// error.
func (d *DB) Delete(key []byte) error {
	err := d.DB.Update(func(tx *badger.Txn) error {
		return tx.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// startBackgroundCompaction starts a background loop that will call the
// compaction method on the database. Badger does not do this automatically,
// so we need to be sure to do so here (or elsewhere).
func (d *DB) startBackgroundCompaction() {
	d.m.Lock()
	defer d.m.Unlock()

	if d.closeChan != nil {
		panic("background compaction already running")
	}
	d.closeChan = make(chan struct{})

	go func() {
		ticker := time.NewTicker(compactionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.closeChan:
				return
			case <-ticker.C:
				err := d.DB.RunValueLogGC(compactionDiscardRatio)
				if err == nil || errors.Is(err, badger.ErrNoRewrite) {
					continue
				}
				log.Error().Err(err).Msg("compact badger")
				if errors.Is(err, badger.ErrDBClosed) {
					return
				}
			}
		}
	}()
}

// stopBackgroundCompaction stops the background compaction routine.
func (d *DB) stopBackgroundCompaction() {
	d.m.Lock()
	defer d.m.Unlock()

	if d.closeChan != nil {
		d.closeChan <- struct{}{}
		d.closeChan = nil
	}
}

// Close closes the database connection and releases the associated resources.
func (d *DB) Close() error {
	d.stopBackgroundCompaction()
	return d.DB.Close()
}
