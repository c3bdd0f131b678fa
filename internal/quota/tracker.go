package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/storage"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const persistTimeout = 5 * time.Second

var ErrUnknownKey = errors.New("unknown quota key")

// Options configures a Tracker. Zero values fall back to defaults.
type Options struct {
	Keys         []KeyConfig
	PlatformKeys map[task.Platform]string
	Thresholds   []int

	// Store is optional; without it the ledger lives in memory only.
	Store storage.Store

	// OnAlert is called outside the tracker lock, once per threshold per cycle.
	OnAlert func(Alert)
	// OnReset is called outside the tracker lock after a lazy reset.
	OnReset func(key string, next time.Time)

	Now func() time.Time
	Log logx.Logger
}

type entry struct {
	cfg      KeyConfig
	schedule cron.Schedule
	state    Limit
	cost     float64
}

// Tracker is the shared usage ledger.
//
// Each method is atomic with respect to the others. The reserve -> record
// protocol spans two calls and is not atomic across whatever the caller does in
// between; concurrent callers may each reserve as long as every individual
// reservation fits at the time it is made.
type Tracker struct {
	mu sync.Mutex

	entries      map[string]*entry
	order        []string
	platformKeys map[task.Platform]string
	thresholds   []int
	triggered    map[string]map[int]struct{}

	store   storage.Store
	onAlert func(Alert)
	onReset func(string, time.Time)
	now     func() time.Time
	log     logx.Logger

	persistErr error
}

// New builds a tracker and overlays any persisted usage onto the configured limits.
func New(ctx context.Context, opt Options) (*Tracker, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	keys := opt.Keys
	if len(keys) == 0 {
		keys = DefaultKeys()
	}
	platformKeys := opt.PlatformKeys
	if len(platformKeys) == 0 {
		platformKeys = DefaultPlatformKeys()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	t := &Tracker{
		entries:      make(map[string]*entry, len(keys)),
		platformKeys: make(map[task.Platform]string, len(platformKeys)),
		thresholds:   normalizeThresholds(opt.Thresholds),
		triggered:    map[string]map[int]struct{}{},
		store:        opt.Store,
		onAlert:      opt.OnAlert,
		onReset:      opt.OnReset,
		now:          now,
		log:          log.With(logx.String("comp", "quota")),
	}

	start := now().UTC()
	for _, kc := range keys {
		key := strings.TrimSpace(kc.Key)
		if key == "" {
			return nil, errors.New("quota key name is required")
		}
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("quota key %q defined twice", key)
		}
		if kc.Limit != nil && *kc.Limit < 0 {
			return nil, fmt.Errorf("quota key %q: limit must be >= 0", key)
		}
		sched, err := ParseSchedule(kc.Reset)
		if err != nil {
			return nil, fmt.Errorf("quota key %q: %w", key, err)
		}
		kc.Key = key
		t.entries[key] = &entry{
			cfg:      kc,
			schedule: sched,
			state: Limit{
				Limit:     kc.Limit,
				ResetsAt:  sched.Next(start),
				Unlimited: kc.Limit == nil,
			},
		}
		t.order = append(t.order, key)
	}
	for p, key := range platformKeys {
		if _, ok := t.entries[key]; !ok {
			return nil, fmt.Errorf("platform %s maps to %w %q", p, ErrUnknownKey, key)
		}
		t.platformKeys[p] = key
	}

	t.load(ctx)
	return t, nil
}

// ParseSchedule parses a reset cron spec. Empty means DailyReset.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DailyReset
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NextMidnightUTC is the default reset instant: the first UTC midnight strictly after t.
func NextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func normalizeThresholds(in []int) []int {
	if len(in) == 0 {
		return slices.Clone(DefaultThresholds)
	}
	out := make([]int, 0, len(in))
	for _, th := range in {
		if th <= 0 || th > 100 || slices.Contains(out, th) {
			continue
		}
		out = append(out, th)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) load(ctx context.Context) {
	if t.store == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	snap, err := t.store.Load(lctx)
	if err != nil {
		t.log.Warn("quota snapshot load failed; using defaults", logx.Err(err))
		return
	}
	if snap == nil {
		return
	}
	restored := 0
	for key, ls := range snap.Limits {
		e, ok := t.entries[key]
		if !ok {
			t.log.Debug("ignoring persisted quota key", logx.String("key", key))
			continue
		}
		e.state.Used = max(0, ls.Used)
		e.state.Reserved = max(0, ls.Reserved)
		if !ls.ResetsAt.IsZero() {
			e.state.ResetsAt = ls.ResetsAt.UTC()
		}
		restored++
	}
	t.log.Debug("quota snapshot restored", logx.Int("keys", restored), logx.Time("last_updated", snap.LastUpdated))
}

// KeyFor returns the quota key a platform bills against by default.
func (t *Tracker) KeyFor(p task.Platform) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.platformKeys[p]
	return key, ok
}

// Keys lists quota keys in declaration order.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.order)
}

// Thresholds returns the configured alert thresholds (ascending).
func (t *Tracker) Thresholds() []int {
	return slices.Clone(t.thresholds)
}

// ---- platform API ----

func (t *Tracker) CanUse(p task.Platform, amount int) bool {
	key, ok := t.KeyFor(p)
	if !ok {
		return false
	}
	return t.CanUseKey(key, amount)
}

func (t *Tracker) Reserve(p task.Platform, amount int) bool {
	key, ok := t.KeyFor(p)
	if !ok {
		return false
	}
	return t.ReserveKey(key, amount)
}

func (t *Tracker) Release(p task.Platform, amount int) {
	if key, ok := t.KeyFor(p); ok {
		t.ReleaseKey(key, amount)
	}
}

func (t *Tracker) RecordUsage(p task.Platform, units int, cost float64) {
	if key, ok := t.KeyFor(p); ok {
		t.RecordUsageKey(key, units, cost)
	}
}

// Remaining reports remaining capacity for a platform's default key.
// unlimited is true for keys without a limit, in which case remaining is -1.
func (t *Tracker) Remaining(p task.Platform) (remaining int, unlimited bool, ok bool) {
	key, ok := t.KeyFor(p)
	if !ok {
		return 0, false, false
	}
	return t.RemainingKey(key)
}

// ---- key API ----

// CanUseKey reports whether amount more units fit under the key's limit.
func (t *Tracker) CanUseKey(key string, amount int) bool {
	amount = max(0, amount)
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	n := t.touchLocked(e)
	allowed := fits(e.state, amount)
	t.mu.Unlock()

	t.notify(n)
	return allowed
}

// ReserveKey provisionally sets aside amount units. It returns false, leaving
// the ledger untouched, if the reservation would exceed the limit.
func (t *Tracker) ReserveKey(key string, amount int) bool {
	amount = max(0, amount)
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	n := t.touchLocked(e)
	granted := fits(e.state, amount)
	if granted {
		e.state.Reserved += amount
		t.persistLocked()
	}
	t.mu.Unlock()

	t.notify(n)
	return granted
}

// ReleaseKey abandons up to amount reserved units.
func (t *Tracker) ReleaseKey(key string, amount int) {
	amount = max(0, amount)
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.state.Reserved = max(0, e.state.Reserved-amount)
	t.persistLocked()
	t.mu.Unlock()
}

// RecordUsageKey converts reservation into usage (or adds usage outright when
// nothing was reserved), then evaluates alert thresholds.
func (t *Tracker) RecordUsageKey(key string, units int, cost float64) {
	units = max(0, units)
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("usage for unknown quota key dropped", logx.String("key", key))
		return
	}
	n := t.touchLocked(e)

	spent := min(units, e.state.Reserved)
	e.state.Reserved -= spent
	e.state.Used += units
	e.cost += cost

	n.alerts = t.evaluateAlertsLocked(e)
	t.persistLocked()
	t.mu.Unlock()

	t.notify(n)
}

// RemainingKey reports remaining capacity for key. See Remaining.
func (t *Tracker) RemainingKey(key string) (remaining int, unlimited bool, ok bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return 0, false, false
	}
	n := t.touchLocked(e)
	st := e.state
	t.mu.Unlock()

	t.notify(n)
	if st.Unlimited || st.Limit == nil {
		return -1, true, true
	}
	return st.Remaining(), false, true
}

// Get returns a copy of the live state of key.
func (t *Tracker) Get(key string) (Limit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return Limit{}, false
	}
	return e.state, true
}

func fits(l Limit, amount int) bool {
	if l.Unlimited || l.Limit == nil {
		return true
	}
	return l.Used+l.Reserved+amount <= *l.Limit
}

// pending collects side effects that run after the lock is released.
type pending struct {
	resetKey  string
	resetNext time.Time
	alerts    []Alert
}

// touchLocked performs the lazy reset if the key's cycle has rolled over.
// A reset is a mutation and is persisted immediately.
func (t *Tracker) touchLocked(e *entry) pending {
	now := t.now().UTC()
	if now.Before(e.state.ResetsAt) {
		return pending{}
	}
	e.state.Used = 0
	e.state.Reserved = 0
	e.cost = 0
	e.state.ResetsAt = e.schedule.Next(now)
	delete(t.triggered, e.cfg.Key)
	t.persistLocked()
	return pending{resetKey: e.cfg.Key, resetNext: e.state.ResetsAt}
}

func (t *Tracker) evaluateAlertsLocked(e *entry) []Alert {
	st := e.state
	if st.Unlimited || st.Limit == nil || *st.Limit <= 0 {
		return nil
	}
	pct := float64(st.Used) * 100 / float64(*st.Limit)
	var out []Alert
	for _, th := range t.thresholds {
		if pct < float64(th) {
			break
		}
		fired := t.triggered[e.cfg.Key]
		if _, done := fired[th]; done {
			continue
		}
		if fired == nil {
			fired = map[int]struct{}{}
			t.triggered[e.cfg.Key] = fired
		}
		fired[th] = struct{}{}
		out = append(out, Alert{
			Platform:     e.cfg.Platform,
			Key:          e.cfg.Key,
			Threshold:    th,
			CurrentUsage: st.Used,
			Limit:        *st.Limit,
			Message:      fmt.Sprintf("%s quota at %.1f%% (%d/%d), crossed %d%% threshold", e.cfg.Key, pct, st.Used, *st.Limit, th),
			Timestamp:    t.now(),
		})
	}
	return out
}

func (t *Tracker) notify(n pending) {
	if n.resetKey != "" {
		t.log.Info("quota.reset", logx.String("key", n.resetKey), logx.Time("next", n.resetNext))
		if t.onReset != nil {
			t.onReset(n.resetKey, n.resetNext)
		}
	}
	for _, a := range n.alerts {
		t.log.Warn("quota.alert", logx.String("key", a.Key), logx.Int("threshold", a.Threshold), logx.Int("used", a.CurrentUsage), logx.Int("limit", a.Limit))
		if t.onAlert != nil {
			t.onAlert(a)
		}
	}
}

func (t *Tracker) snapshotLocked() storage.Snapshot {
	snap := storage.Snapshot{
		Limits:      make(map[string]storage.LimitState, len(t.entries)),
		LastUpdated: t.now().UTC(),
		Version:     storage.SnapshotVersion,
	}
	for key, e := range t.entries {
		snap.Limits[key] = storage.LimitState{
			Limit:     e.state.Limit,
			Used:      e.state.Used,
			Reserved:  e.state.Reserved,
			ResetsAt:  e.state.ResetsAt.UTC(),
			Unlimited: e.state.Unlimited,
		}
	}
	return snap
}

// persistLocked writes the ledger while the lock is held so snapshots land in
// mutation order. Failures are logged and kept for PersistErr; the in-memory
// ledger stays authoritative.
func (t *Tracker) persistLocked() {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	t.persistErr = t.store.Save(ctx, t.snapshotLocked())
	if t.persistErr != nil {
		t.log.Error("quota snapshot save failed", logx.Err(t.persistErr))
	}
}

// Flush writes the current ledger through the store and reports any error.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if err := t.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("flush quota snapshot: %w", err)
	}
	return nil
}

// PersistErr returns the error from the most recent automatic save, if any.
func (t *Tracker) PersistErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistErr
}

// ResetExpired applies every due lazy reset. Readers such as Status don't
// touch keys, so call this first to display the current cycle.
func (t *Tracker) ResetExpired() {
	t.mu.Lock()
	var due []pending
	for _, key := range t.order {
		if n := t.touchLocked(t.entries[key]); n.resetKey != "" {
			due = append(due, n)
		}
	}
	t.mu.Unlock()
	for _, n := range due {
		t.notify(n)
	}
}

// Status returns a read-only view of every key in declaration order.
func (t *Tracker) Status() []KeyStatus {
	t.mu.Lock()
	out := make([]KeyStatus, 0, len(t.order))
	for _, key := range t.order {
		e := t.entries[key]
		out = append(out, statusOf(e))
	}
	t.mu.Unlock()
	return out
}

// DailySummary is Status plus percent used and the thresholds already
// triggered in the current cycle.
func (t *Tracker) DailySummary() []KeySummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]KeySummary, 0, len(t.order))
	for _, key := range t.order {
		e := t.entries[key]
		ks := KeySummary{KeyStatus: statusOf(e), Triggered: []int{}}
		if !e.state.Unlimited && e.state.Limit != nil && *e.state.Limit > 0 {
			ks.PercentUsed = float64(e.state.Used) * 100 / float64(*e.state.Limit)
		}
		for th := range t.triggered[key] {
			ks.Triggered = append(ks.Triggered, th)
		}
		slices.Sort(ks.Triggered)
		out = append(out, ks)
	}
	return out
}

func statusOf(e *entry) KeyStatus {
	ks := KeyStatus{
		Key:       e.cfg.Key,
		Limit:     e.state.Limit,
		Used:      e.state.Used,
		Reserved:  e.state.Reserved,
		ResetsAt:  e.state.ResetsAt,
		Unlimited: e.state.Unlimited,
		Cost:      e.cost,
	}
	if !e.state.Unlimited && e.state.Limit != nil {
		r := e.state.Remaining()
		ks.Remaining = &r
	}
	return ks
}
