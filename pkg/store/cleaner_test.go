package store

import (
	"errors"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/require"

	"github.com/wardenmdm/warden/pkg/database"
)

func TestCleanerRunPass(t *testing.T) {
	t.Parallel()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMockClock()
	st := NewCommandStore(db, mc)
	c := NewCleaner(st, mc)
	c.MaxAttempts = 1

	require.NoError(t, st.Enqueue(Record{ID: "done", Type: "shell"}))
	require.NoError(t, st.MarkCompleted("done"))

	require.NoError(t, st.Enqueue(Record{ID: "dead", Type: "installApp"}))
	require.NoError(t, st.MarkFailed("dead", errors.New("no such package")))

	// inside both windows nothing is purged
	mc.AddTime(24 * time.Hour)
	require.NoError(t, c.RunPass())
	rec, err := st.Get("done")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// past the completed window only the completed record goes
	mc.AddTime(7 * 24 * time.Hour)
	require.NoError(t, c.RunPass())
	rec, err = st.Get("done")
	require.NoError(t, err)
	require.Nil(t, rec)
	rec, err = st.Get("dead")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// past the failed window the exhausted record goes too
	mc.AddTime(23 * 24 * time.Hour)
	require.NoError(t, c.RunPass())
	rec, err = st.Get("dead")
	require.NoError(t, err)
	require.Nil(t, rec)
}
