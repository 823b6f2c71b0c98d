package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/require"

	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/database"
	"github.com/wardenmdm/warden/pkg/dispatch"
	"github.com/wardenmdm/warden/pkg/store"
)

type fakeExecutor struct {
	installCalls int
	installErr   error
	shellCalls   []string
}

func (e *fakeExecutor) Lock(context.Context) error         { return nil }
func (e *fakeExecutor) Reboot(context.Context) error       { return nil }
func (e *fakeExecutor) Shutdown(context.Context) error     { return nil }
func (e *fakeExecutor) FactoryReset(context.Context) error { return nil }
func (e *fakeExecutor) ExitKiosk(context.Context) error    { return nil }

func (e *fakeExecutor) Wipe(context.Context, bool) error { return nil }

func (e *fakeExecutor) InstallApp(_ context.Context, pkg, url, version string) error {
	e.installCalls++
	return e.installErr
}

func (e *fakeExecutor) UninstallApp(context.Context, string) error        { return nil }
func (e *fakeExecutor) UpdateApp(context.Context, string, string) error   { return nil }
func (e *fakeExecutor) RunApp(context.Context, string, string) error      { return nil }
func (e *fakeExecutor) GrantPermissions(context.Context, string, []string) error {
	return nil
}
func (e *fakeExecutor) EnterKiosk(context.Context, string, []string) error { return nil }
func (e *fakeExecutor) SetHardwareFlag(context.Context, string, bool) error {
	return nil
}
func (e *fakeExecutor) ConfigureWifi(context.Context, command.WifiParams) error { return nil }

func (e *fakeExecutor) Shell(_ context.Context, cmdline string) (string, error) {
	e.shellCalls = append(e.shellCalls, cmdline)
	return "done", nil
}

func (e *fakeExecutor) SetRestriction(context.Context, string, bool) error { return nil }
func (e *fakeExecutor) DeployFile(context.Context, string, string, string, bool) error {
	return nil
}
func (e *fakeExecutor) SendNotification(context.Context, string, string) error { return nil }
func (e *fakeExecutor) Custom(context.Context, string, map[string]interface{}) error {
	return nil
}

type fakeReporter struct {
	completed []string
	failed    map[string]string
}

func (r *fakeReporter) AcknowledgeCommand(id string) error { return nil }

func (r *fakeReporter) CompleteCommand(id, result string) error {
	r.completed = append(r.completed, id)
	return nil
}

func (r *fakeReporter) FailCommand(id, errMsg string) error {
	if r.failed == nil {
		r.failed = map[string]string{}
	}
	r.failed[id] = errMsg
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeExecutor, *fakeReporter, *clock.MockClock) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMockClock()
	st := store.NewCommandStore(db, mc)
	exec := &fakeExecutor{}
	rep := &fakeReporter{}
	d := &dispatch.Dispatcher{Executor: exec, Reporter: rep, Store: st}
	s := New(st, d, rep, mc)
	return s, exec, rep, mc
}

func enqueue(t *testing.T, s *Scheduler, id, typeTag string, payload string) {
	t.Helper()
	require.NoError(t, s.Store.Enqueue(store.Record{
		ID:      id,
		Type:    typeTag,
		Payload: []byte(payload),
	}))
}

func TestPassCompletesCommand(t *testing.T) {
	t.Parallel()
	s, exec, rep, _ := newTestScheduler(t)

	enqueue(t, s, "c1", "shell", `{"command":"getprop"}`)
	require.NoError(t, s.RunPass())

	require.Equal(t, []string{"getprop"}, exec.shellCalls)
	require.Equal(t, []string{"c1"}, rep.completed)

	rec, err := s.Store.Get("c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, rec.Status)
}

// A command that keeps failing is retried up to the attempt ceiling and
// then reported failed with the error detail.
func TestCommandRetriesUntilExhaustion(t *testing.T) {
	t.Parallel()
	s, exec, rep, mc := newTestScheduler(t)
	exec.installErr = errors.New("download checksum mismatch")

	enqueue(t, s, "c1", "installApp", `{"packageName":"com.acme.pos","url":"https://cdn/pos.apk"}`)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.RunPass())
		require.Equal(t, i, exec.installCalls)

		rec, err := s.Store.Get("c1")
		require.NoError(t, err)
		require.Equal(t, i, rec.AttemptCount)
		if i < 5 {
			// below the ceiling the scheduler returns the record to pending
			require.Equal(t, store.StatusPending, rec.Status)
		}
		mc.AddTime(time.Hour)
	}

	rec, err := s.Store.Get("c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, rec.Status)
	require.Equal(t, 5, rec.AttemptCount)
	require.Equal(t, "download checksum mismatch", rep.failed["c1"])

	// exhausted commands are not attempted again
	mc.AddTime(time.Hour)
	require.NoError(t, s.RunPass())
	require.Equal(t, 5, exec.installCalls)
}

func TestRetryBackoffGatesAttempts(t *testing.T) {
	t.Parallel()
	s, exec, _, mc := newTestScheduler(t)
	exec.installErr = errors.New("busy")

	enqueue(t, s, "c1", "installApp", `{"packageName":"com.a","url":"https://x"}`)

	require.NoError(t, s.RunPass())
	require.Equal(t, 1, exec.installCalls)

	// too early for a second attempt
	require.NoError(t, s.RunPass())
	require.Equal(t, 1, exec.installCalls)

	mc.AddTime(s.RetryBase + time.Second)
	require.NoError(t, s.RunPass())
	require.Equal(t, 2, exec.installCalls)
}

func TestPassPreservesFIFO(t *testing.T) {
	t.Parallel()
	s, exec, _, mc := newTestScheduler(t)

	enqueue(t, s, "first", "shell", `{"command":"one"}`)
	mc.AddTime(time.Second)
	enqueue(t, s, "second", "shell", `{"command":"two"}`)

	require.NoError(t, s.RunPass())
	require.Equal(t, []string{"one", "two"}, exec.shellCalls)
}

func TestRecoverDemotesInProgress(t *testing.T) {
	t.Parallel()
	s, exec, _, _ := newTestScheduler(t)

	enqueue(t, s, "c1", "shell", `{"command":"interrupted"}`)
	require.NoError(t, s.Store.MarkInProgress("c1"))

	require.NoError(t, s.Recover())
	require.NoError(t, s.RunPass())
	require.Equal(t, []string{"interrupted"}, exec.shellCalls)
}
