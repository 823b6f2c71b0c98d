package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/database"
	"github.com/wardenmdm/warden/pkg/store"
)

// fakeExecutor records calls; execution of any kind can be forced to fail.
type fakeExecutor struct {
	calls []string
	err   error
}

func (e *fakeExecutor) record(name string) error {
	e.calls = append(e.calls, name)
	return e.err
}

func (e *fakeExecutor) Lock(context.Context) error { return e.record("lock") }
func (e *fakeExecutor) Reboot(context.Context) error { return e.record("reboot") }
func (e *fakeExecutor) Shutdown(context.Context) error { return e.record("shutdown") }
func (e *fakeExecutor) FactoryReset(context.Context) error { return e.record("factoryReset") }
func (e *fakeExecutor) ExitKiosk(context.Context) error { return e.record("exitKiosk") }

func (e *fakeExecutor) Wipe(_ context.Context, preserveData bool) error {
	if preserveData {
		return e.record("wipe:preserve")
	}
	return e.record("wipe")
}

func (e *fakeExecutor) InstallApp(_ context.Context, pkg, url, version string) error {
	return e.record("installApp:" + pkg)
}

func (e *fakeExecutor) UninstallApp(_ context.Context, pkg string) error {
	return e.record("uninstallApp:" + pkg)
}

func (e *fakeExecutor) UpdateApp(_ context.Context, pkg, url string) error {
	return e.record("updateApp:" + pkg)
}

func (e *fakeExecutor) RunApp(_ context.Context, pkg, action string) error {
	return e.record("runApp:" + pkg)
}

func (e *fakeExecutor) GrantPermissions(_ context.Context, pkg string, perms []string) error {
	return e.record("grantPermissions:" + pkg)
}

func (e *fakeExecutor) EnterKiosk(_ context.Context, mainApp string, allowed []string) error {
	return e.record("enterKiosk:" + mainApp)
}

func (e *fakeExecutor) SetHardwareFlag(_ context.Context, flag string, enabled bool) error {
	return e.record("hw:" + flag)
}

func (e *fakeExecutor) ConfigureWifi(_ context.Context, p command.WifiParams) error {
	return e.record("wifi:" + p.SSID)
}

func (e *fakeExecutor) Shell(ctx context.Context, cmdline string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("shell context has no deadline")
	}
	return "ok", e.record("shell:" + cmdline)
}

func (e *fakeExecutor) SetRestriction(_ context.Context, name string, enabled bool) error {
	return e.record("restriction:" + name)
}

func (e *fakeExecutor) DeployFile(_ context.Context, url, path, sha256 string, overwrite bool) error {
	return e.record("deployFile:" + path)
}

func (e *fakeExecutor) SendNotification(_ context.Context, title, message string) error {
	return e.record("notify:" + title)
}

func (e *fakeExecutor) Custom(_ context.Context, name string, data map[string]interface{}) error {
	return e.record("custom:" + name)
}

// fakeReporter records server-side reports; Ack can be forced to fail.
type fakeReporter struct {
	acked     []string
	completed []string
	failed    []string
	ackErr    error
}

func (r *fakeReporter) AcknowledgeCommand(id string) error {
	r.acked = append(r.acked, id)
	return r.ackErr
}

func (r *fakeReporter) CompleteCommand(id, result string) error {
	r.completed = append(r.completed, id)
	return nil
}

func (r *fakeReporter) FailCommand(id, errMsg string) error {
	r.failed = append(r.failed, id)
	return nil
}

type fakeNotifier struct{ notified int }

func (n *fakeNotifier) Notify() { n.notified++ }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeExecutor, *fakeReporter, *fakeNotifier) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	exec := &fakeExecutor{}
	rep := &fakeReporter{}
	not := &fakeNotifier{}
	d := &Dispatcher{
		Executor: exec,
		Reporter: rep,
		Store:    store.NewCommandStore(db, nil),
		Notifier: not,
	}
	return d, exec, rep, not
}

func TestCriticalCommandBypassesQueue(t *testing.T) {
	t.Parallel()
	d, exec, rep, not := newTestDispatcher(t)

	cmd := command.Parse("c1", "lock", nil)
	require.NoError(t, d.Handle(cmd))

	// executed immediately and reported, never persisted
	require.Equal(t, []string{"lock"}, exec.calls)
	require.Equal(t, []string{"c1"}, rep.acked)
	require.Equal(t, []string{"c1"}, rep.completed)
	require.Zero(t, not.notified)

	rec, err := d.Store.Get("c1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestCriticalCommandFailureReported(t *testing.T) {
	t.Parallel()
	d, exec, rep, _ := newTestDispatcher(t)
	exec.err = errors.New("screen locked out")

	cmd := command.Parse("c1", "wipe", map[string]interface{}{"preserveData": "true"})
	require.Error(t, d.Handle(cmd))
	require.Equal(t, []string{"wipe:preserve"}, exec.calls)
	require.Equal(t, []string{"c1"}, rep.failed)
}

func TestAckFailureDoesNotBlockExecution(t *testing.T) {
	t.Parallel()
	d, exec, rep, _ := newTestDispatcher(t)
	rep.ackErr = errors.New("server unreachable")

	cmd := command.Parse("c1", "reboot", nil)
	require.NoError(t, d.Handle(cmd))
	require.Equal(t, []string{"reboot"}, exec.calls)
	require.Equal(t, []string{"c1"}, rep.completed)
}

func TestNonCriticalCommandQueued(t *testing.T) {
	t.Parallel()
	d, exec, rep, not := newTestDispatcher(t)

	cmd := command.Parse("c2", "installApp", map[string]interface{}{
		"packageName": "com.acme.pos",
		"url":         "https://cdn.example.com/pos.apk",
	})
	require.NoError(t, d.Handle(cmd))

	// persisted pending, not executed yet
	require.Empty(t, exec.calls)
	require.Equal(t, []string{"c2"}, rep.acked)
	require.Equal(t, 1, not.notified)

	rec, err := d.Store.Get("c2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, store.StatusPending, rec.Status)
	require.Equal(t, "installApp", rec.Type)
}

func TestExecuteMapsKinds(t *testing.T) {
	t.Parallel()
	d, exec, _, _ := newTestDispatcher(t)

	cases := []struct {
		typeTag  string
		payload  map[string]interface{}
		wantCall string
	}{
		{"uninstallApp", map[string]interface{}{"packageName": "com.a"}, "uninstallApp:com.a"},
		{"enterKiosk", map[string]interface{}{"mainApp": "com.pos"}, "enterKiosk:com.pos"},
		{"exitKiosk", nil, "exitKiosk"},
		{"setHardware", map[string]interface{}{"flag": "bluetooth", "enabled": "no"}, "hw:bluetooth"},
		{"shell", map[string]interface{}{"command": "getprop"}, "shell:getprop"},
		{"deployFile", map[string]interface{}{"url": "https://x", "path": "/sdcard/a"}, "deployFile:/sdcard/a"},
		{"sendNotification", map[string]interface{}{"title": "hi"}, "notify:hi"},
		{"configureWifi", map[string]interface{}{"ssid": "corp"}, "wifi:corp"},
	}

	for _, c := range cases {
		exec.calls = nil
		res := d.Execute(context.Background(), command.Parse("id", c.typeTag, c.payload))
		require.NoError(t, res.Err, c.typeTag)
		require.Equal(t, []string{c.wantCall}, exec.calls, c.typeTag)
	}
}

func TestExecuteUnknownIsNoop(t *testing.T) {
	t.Parallel()
	d, exec, _, _ := newTestDispatcher(t)

	res := d.Execute(context.Background(), command.Parse("id", "holographicDisplay", nil))
	require.NoError(t, res.Err)
	require.Empty(t, exec.calls)
}

func TestExecuteSyncTriggersHook(t *testing.T) {
	t.Parallel()
	d, _, _, _ := newTestDispatcher(t)

	var triggered bool
	d.SyncRequested = func() { triggered = true }

	res := d.Execute(context.Background(), command.Parse("id", "sync", nil))
	require.NoError(t, res.Err)
	require.True(t, triggered)
}

func TestExecuteSetPolicyHandsOffDocument(t *testing.T) {
	t.Parallel()
	d, _, _, _ := newTestDispatcher(t)

	var got map[string]interface{}
	d.PolicyReceived = func(doc map[string]interface{}) { got = doc }

	res := d.Execute(context.Background(), command.Parse("id", "setPolicy", map[string]interface{}{
		"policy": map[string]interface{}{"policyVersion": "9"},
	}))
	require.NoError(t, res.Err)
	require.Equal(t, "9", got["policyVersion"])
}
