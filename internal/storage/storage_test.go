package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "conductor/pkg/logx"
)

func sampleSnapshot() Snapshot {
	lim := 1500
	resets := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	return Snapshot{
		Limits: map[string]LimitState{
			"gemini_cli":  {Limit: &lim, Used: 42, Reserved: 3, ResetsAt: resets},
			"claude_code": {Used: 7, ResetsAt: resets, Unlimited: true},
		},
		LastUpdated: time.Date(2026, 10, 16, 12, 30, 15, 123456789, time.UTC),
	}
}

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "quota_state.json")
	if driver == "sqlite" {
		path = filepath.Join(t.TempDir(), "quota.db")
	}
	st, err := Open(Config{Driver: Driver(driver), Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRoundTripIsLossless(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)

			snap, err := st.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, snap, "fresh store has no snapshot")

			want := sampleSnapshot()
			require.NoError(t, st.Save(ctx, want))

			got, err := st.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, SnapshotVersion, got.Version)
			assert.True(t, want.LastUpdated.Equal(got.LastUpdated))
			require.Len(t, got.Limits, len(want.Limits))
			for key, w := range want.Limits {
				g := got.Limits[key]
				assert.Equal(t, w.Used, g.Used, key)
				assert.Equal(t, w.Reserved, g.Reserved, key)
				assert.True(t, w.ResetsAt.Equal(g.ResetsAt), key)
				assert.Equal(t, w.Unlimited, g.Unlimited, key)
				assert.Equal(t, w.Limit, g.Limit, key)
			}

			require.NoError(t, st.Clear(ctx))
			snap, err = st.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, snap)
		})
	}
}

func TestFileLoadCorruptDegrades(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "quota_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := NewFileStore(path, logx.Nop())
	require.NoError(t, err)
	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := NewFileStore(filepath.Join(dir, "quota_state.json"), logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Save(context.Background(), sampleSnapshot()))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "quota_state.json", entries[0].Name())
}

func TestFileSaveReportsIOFailure(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	st, err := NewFileStore(filepath.Join(dir, "quota_state.json"), logx.Nop())
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	assert.Error(t, st.Save(context.Background(), sampleSnapshot()))
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestParseDriver(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Driver{"": DriverNone, "None": DriverNone, "json": DriverFile, " sqlite3": DriverSQLite} {
		got, err := ParseDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDriver("postgres")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestWatchSeesAtomicSave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "quota_state.json")
	st, err := NewFileStore(path, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, logx.Nop(), func() { hits.Add(1) }) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, st.Save(context.Background(), sampleSnapshot()))

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 3*time.Second, 25*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
