package router

import (
	"errors"
	"fmt"
	"slices"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

var (
	ErrNoPlatform        = errors.New("no usable platform")
	ErrAllTiersExhausted = errors.New("all cost tiers exhausted")
)

// QuotaChecker is the read side of the quota ledger.
type QuotaChecker interface {
	CanUse(p task.Platform, amount int) bool
	CanUseKey(key string, amount int) bool
}

// Availability is route-time adapter readiness.
type Availability interface {
	IsPlatformAvailable(p task.Platform) bool
	AvailablePlatforms() []task.Platform
}

type Options struct {
	// Validator is optional; without it every platform counts as implemented.
	Validator Availability
	Tiers     []Tier
	Log       logx.Logger
}

// Router picks exactly one platform per task.
type Router struct {
	avail Availability
	tiers []Tier
	log   logx.Logger
}

func New(opt Options) *Router {
	tiers := opt.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		avail: opt.Validator,
		tiers: slices.Clone(tiers),
		log:   log.With(logx.String("comp", "router")),
	}
}

// Tiers returns the cost tiers in priority order.
func (r *Router) Tiers() []Tier { return slices.Clone(r.tiers) }

// allowed returns the platforms that pass route-time readiness.
func (r *Router) allowed() ([]task.Platform, error) {
	if r.avail == nil {
		return task.Platforms[:], nil
	}
	ps := r.avail.AvailablePlatforms()
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no adapter is implemented", ErrNoPlatform)
	}
	return ps, nil
}

// Route honours an implemented hint with quota, then the task type's
// candidates, then any implemented platform with quota, then LastResort.
// Among qualifying platforms the cheapest by CostPriority wins.
func (r *Router) Route(t task.Task, q QuotaChecker) (task.Platform, error) {
	allowed, err := r.allowed()
	if err != nil {
		return 0, err
	}
	usable := func(p task.Platform) bool {
		return slices.Contains(allowed, p) && (q == nil || q.CanUse(p, 1))
	}

	if t.PlatformHint.Valid() && usable(t.PlatformHint) {
		r.log.Debug("route: hint honoured", logx.String("platform", t.PlatformHint.String()))
		return t.PlatformHint, nil
	}

	var qualified []task.Platform
	for _, p := range Candidates(t.Type) {
		if usable(p) {
			qualified = append(qualified, p)
		}
	}
	if len(qualified) == 0 {
		for _, p := range allowed {
			if usable(p) {
				qualified = append(qualified, p)
			}
		}
	}
	if len(qualified) == 0 {
		if slices.Contains(allowed, LastResort) {
			r.log.Debug("route: last resort", logx.String("platform", LastResort.String()), logx.String("type", t.Type.String()))
			return LastResort, nil
		}
		return 0, fmt.Errorf("%w for %s task", ErrNoPlatform, t.Type)
	}

	for _, p := range CostPriority {
		if slices.Contains(qualified, p) {
			r.log.Debug("route: selected", logx.String("platform", p.String()), logx.String("type", t.Type.String()))
			return p, nil
		}
	}
	return qualified[0], nil
}

// RouteCostOptimized returns the platform of the first tier with capacity.
func (r *Router) RouteCostOptimized(t task.Task, q QuotaChecker) (task.Platform, error) {
	tier, err := r.SelectTier(t, q, nil)
	if err != nil {
		return 0, err
	}
	return tier.Platform, nil
}

// SelectTier walks the tiers in cost order, skipping excluded and
// unimplemented platforms. A hint with capacity on any of its tiers is tried
// first; a hint without capacity falls back to cost order.
func (r *Router) SelectTier(t task.Task, q QuotaChecker, excluded map[task.Platform]bool) (Tier, error) {
	allowed, err := r.allowed()
	if err != nil {
		return Tier{}, err
	}
	ok := func(tier Tier) bool {
		if excluded[tier.Platform] || !slices.Contains(allowed, tier.Platform) {
			return false
		}
		return q == nil || q.CanUseKey(tier.QuotaKey, 1)
	}

	if h := t.PlatformHint; h.Valid() && !excluded[h] {
		for _, tier := range r.tiers {
			if tier.Platform == h && ok(tier) {
				r.log.Debug("tier: hint honoured", logx.String("platform", h.String()), logx.String("key", tier.QuotaKey))
				return tier, nil
			}
		}
	}
	for _, tier := range r.tiers {
		if ok(tier) {
			r.log.Debug("tier: selected", logx.String("platform", tier.Platform.String()), logx.String("key", tier.QuotaKey), logx.Float64("cost", tier.CostPerUnit))
			return tier, nil
		}
	}
	return Tier{}, ErrAllTiersExhausted
}
