package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/adapter"
	"conductor/internal/adapter/adaptertest"
	"conductor/internal/config"
	"conductor/internal/eventbus"
	"conductor/internal/quota"
	"conductor/internal/router"
	"conductor/internal/storage"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

func fakeSet() (adapter.Set, *adaptertest.Fake) {
	gem := adaptertest.New(task.Gemini)
	return adapter.Set{
		task.Gemini:     gem,
		task.ClaudeCode: adaptertest.New(task.ClaudeCode),
		task.ChatGPT:    adaptertest.New(task.ChatGPT),
	}, gem
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(dir, "quota_state.json")
	cfg.Metrics.Textfile = filepath.Join(dir, "metrics", "conductor.prom")
	return cfg
}

func TestAppRunsTaskAndPersistsUsage(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Quota.Thresholds = []int{50}
	cfg.Quota.Keys = map[string]config.QuotaKeyConfig{"gemini_cli": {Limit: quota.IntPtr(2)}}
	set, gem := fakeSet()

	a, err := New(context.Background(), Options{Config: cfg, Log: logx.Nop(), Adapters: set})
	require.NoError(t, err)
	events, unsub := a.Bus().Subscribe(32)
	defer unsub()

	res, err := a.Orchestrator().ExecuteWithFallback(context.Background(), task.New(task.Research, "find it"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, task.Gemini, res.Platform)
	assert.Equal(t, 1, gem.Calls())

	var alert *quota.Alert
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.QuotaAlert {
			al := e.Data.(quota.Alert)
			alert = &al
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, 50, alert.Threshold)

	require.NoError(t, a.WriteMetrics())
	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "conductor_orchestrator_attempts_total")
	assert.Contains(t, string(prom), `conductor_quota_used{key="gemini_cli"} 1`)
	assert.Contains(t, string(prom), `conductor_quota_limit{key="gemini_cli"} 2`)

	require.NoError(t, a.Close(context.Background()))

	st, err := storage.NewFileStore(cfg.Storage.Path, logx.Nop())
	require.NoError(t, err)
	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Limits["gemini_cli"].Used)
	assert.Zero(t, snap.Limits["gemini_cli"].Reserved)
}

func TestAppLoadsConfigFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(p, []byte("storage:\n  driver: none\norchestrator:\n  max_concurrent: 2\n"), 0o600))
	set, _ := fakeSet()

	a, err := New(context.Background(), Options{ConfigPath: p, Log: logx.Nop(), Adapters: set, MetricsFile: filepath.Join(dir, "m.prom")})
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Equal(t, 2, a.Orchestrator().Config().MaxConcurrent)
	assert.Equal(t, filepath.Join(dir, "m.prom"), a.MetricsFile())
	assert.ErrorIs(t, a.WatchQuota(context.Background(), func([]quota.KeySummary) {}), storage.ErrDisabled)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Quota.Thresholds = []int{0}
	a, err := New(context.Background(), Options{Config: cfg, Log: logx.Nop()})
	require.Error(t, err)
	assert.Nil(t, a)
}

func TestAppRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()
	set, _ := fakeSet()
	a, err := New(context.Background(), Options{Config: testConfig(t), LogLevel: "chatty", Adapters: set})
	require.ErrorContains(t, err, "--log-level")
	assert.Nil(t, a)
}

func TestAppStatePathOverride(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	state := filepath.Join(t.TempDir(), "elsewhere.json")
	set, _ := fakeSet()
	a, err := New(context.Background(), Options{Config: cfg, Log: logx.Nop(), Adapters: set, StatePath: state})
	require.NoError(t, err)
	a.Quota().RecordUsage(task.ClaudeCode, 1, 0)
	require.NoError(t, a.Close(context.Background()))

	_, err = os.Stat(state)
	assert.NoError(t, err)
	_, err = os.Stat(cfg.Storage.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestWatchQuotaReadsPersistedLedger(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	set, _ := fakeSet()
	a, err := New(context.Background(), Options{Config: cfg, Log: logx.Nop(), Adapters: set})
	require.NoError(t, err)
	defer a.Close(context.Background())
	a.Quota().RecordUsage(task.Gemini, 7, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []quota.KeySummary
	err = a.WatchQuota(ctx, func(s []quota.KeySummary) {
		got = s
		cancel()
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, quota.KeyGeminiCLI, got[0].Key)
	assert.Equal(t, 7, got[0].Used)
}

func TestMapQuotaKeys(t *testing.T) {
	t.Parallel()
	keys, pk, err := mapQuotaKeys(config.QuotaConfig{
		Keys: map[string]config.QuotaKeyConfig{
			quota.KeyClaudeCode: {Limit: quota.IntPtr(40)},
			quota.KeyGeminiCLI:  {Unlimited: true, Reset: "0 0 1 * *"},
			"team_pool":         {Platform: "claude", Limit: quota.IntPtr(9)},
		},
		PlatformKeys: map[string]string{"claude_code": "team_pool"},
	})
	require.NoError(t, err)
	require.Len(t, keys, len(quota.DefaultKeys())+1)

	byKey := map[string]quota.KeyConfig{}
	for _, k := range keys {
		byKey[k.Key] = k
	}
	assert.Equal(t, 40, *byKey[quota.KeyClaudeCode].Limit)
	assert.Nil(t, byKey[quota.KeyGeminiCLI].Limit)
	assert.Equal(t, "0 0 1 * *", byKey[quota.KeyGeminiCLI].Reset)
	assert.Equal(t, task.ClaudeCode, byKey["team_pool"].Platform)
	assert.Equal(t, "team_pool", keys[len(keys)-1].Key)
	assert.Equal(t, "team_pool", pk[task.ClaudeCode])
	assert.Equal(t, quota.KeyGeminiCLI, pk[task.Gemini])

	_, _, err = mapQuotaKeys(config.QuotaConfig{Keys: map[string]config.QuotaKeyConfig{"x": {}}})
	assert.Error(t, err)
	_, _, err = mapQuotaKeys(config.QuotaConfig{PlatformKeys: map[string]string{"gemini": "nope"}})
	assert.ErrorIs(t, err, quota.ErrUnknownKey)
}

func TestMapTiers(t *testing.T) {
	t.Parallel()
	keys := append(quota.DefaultKeys(), quota.KeyConfig{Key: "team_pool", Platform: task.ClaudeCode})
	pk := quota.DefaultPlatformKeys()

	assert.Equal(t, router.DefaultTiers(), mapTiers(quota.DefaultKeys(), pk, nil))

	pk[task.ClaudeCode] = "team_pool"
	pk[task.Gemini] = quota.KeyGeminiAPI
	tiers := mapTiers(keys, pk, map[string]config.PlatformConfig{"claude_code": {CostPerCall: 0.5}})

	var got []string
	for _, tr := range tiers {
		got = append(got, tr.QuotaKey)
	}
	assert.Equal(t, []string{
		quota.KeyGeminiAPI, "team_pool", quota.KeyChatGPTPlus, quota.KeyOpenAIAPI,
		quota.KeyGeminiCLI, quota.KeyClaudeCode,
	}, got)
	assert.Equal(t, 0.5, tiers[len(tiers)-1].CostPerUnit)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, on, err := mapStorageConfig(config.StorageConfig{Driver: "none", Path: "x"}, "")
	require.NoError(t, err)
	assert.False(t, on)

	sc, on, err := mapStorageConfig(config.StorageConfig{Driver: "SQLite", Path: "a.db", BusyTimeout: "3s"}, "b.db")
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, storage.DriverSQLite, sc.Driver)
	assert.Equal(t, "b.db", sc.Path)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(config.StorageConfig{Driver: "file"}, "")
	assert.Error(t, err)
	_, _, err = mapStorageConfig(config.StorageConfig{Driver: "redis", Path: "x"}, "")
	assert.Error(t, err)
}

func TestMapOrchestratorConfig(t *testing.T) {
	t.Parallel()
	oc, err := mapOrchestratorConfig(config.OrchestratorConfig{
		MaxRetries: quota.IntPtr(0),
		BaseDelay:  "250ms",
		RatePerSec: map[string]float64{"openai": 1.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, oc.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, oc.BaseDelay)
	assert.Equal(t, 300*time.Second, oc.DefaultTimeout)
	assert.Equal(t, 1.5, oc.RatePerSec[task.ChatGPT])

	oc, err = mapOrchestratorConfig(config.OrchestratorConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, oc.MaxRetries)
}

func TestBuildAdapters(t *testing.T) {
	t.Parallel()
	off := false
	set, vopts, err := buildAdapters(map[string]config.PlatformConfig{
		"gemini":      {Command: "gemini", Env: map[string]string{"B": "2", "A": "1"}},
		"claude_code": {Command: "claude", Enabled: &off},
	}, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, vopts, 1)
	require.Len(t, set, task.PlatformCount)

	_, isExec := set[task.Gemini].(*adapter.Exec)
	assert.True(t, isExec)
	assert.Equal(t, adapter.StatusStub, set[task.ClaudeCode].ImplementationStatus())
	assert.Equal(t, adapter.StatusStub, set[task.ChatGPT].ImplementationStatus())

	ec := mapExecConfig(config.PlatformConfig{Command: " gemini ", Env: map[string]string{"B": "2", "A": "1"}})
	assert.Equal(t, "gemini", ec.Command)
	assert.Equal(t, []string{"A=1", "B=2"}, ec.Env)
}
