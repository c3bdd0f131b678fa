package app

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"conductor/internal/adapter"
	"conductor/internal/config"
	"conductor/internal/orchestrator"
	"conductor/internal/quota"
	"conductor/internal/router"
	"conductor/internal/task"
	"conductor/internal/validator"
	logx "conductor/pkg/logx"
)

func mapLogConfig(lc config.LoggingConfig, levelOverride string) logx.Config {
	level := lc.Level
	if s := strings.TrimSpace(levelOverride); s != "" {
		level = s
	}
	return logx.Config{
		Level:   level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapOrchestratorConfig(oc config.OrchestratorConfig) (orchestrator.Config, error) {
	d := orchestrator.DefaultConfig()
	out := orchestrator.Config{
		MaxConcurrent: oc.MaxConcurrent,
		MaxRetries:    d.MaxRetries,
		RateBurst:     oc.RateBurst,
	}
	if oc.MaxRetries != nil {
		out.MaxRetries = *oc.MaxRetries
	}
	var err error
	if out.BaseDelay, err = config.ParseDuration("orchestrator.base_delay", oc.BaseDelay, d.BaseDelay); err != nil {
		return orchestrator.Config{}, err
	}
	if out.MaxDelay, err = config.ParseDuration("orchestrator.max_delay", oc.MaxDelay, d.MaxDelay); err != nil {
		return orchestrator.Config{}, err
	}
	if out.DefaultTimeout, err = config.ParseDuration("orchestrator.default_timeout", oc.DefaultTimeout, d.DefaultTimeout); err != nil {
		return orchestrator.Config{}, err
	}
	if len(oc.RatePerSec) > 0 {
		out.RatePerSec = make(map[task.Platform]float64, len(oc.RatePerSec))
		for name, r := range oc.RatePerSec {
			p, err := config.ParsePlatformName(name)
			if err != nil {
				return orchestrator.Config{}, fmt.Errorf("orchestrator.rate_per_sec.%s: %w", name, err)
			}
			out.RatePerSec[p] = r
		}
	}
	return out, nil
}

// mapQuotaKeys applies the quota section on top of the built-in ledger.
// Built-in keys keep their order; added keys follow sorted by name.
func mapQuotaKeys(qc config.QuotaConfig) ([]quota.KeyConfig, map[task.Platform]string, error) {
	keys := quota.DefaultKeys()
	seen := make(map[string]int, len(keys))
	for i, k := range keys {
		seen[k.Key] = i
	}
	for _, name := range slices.Sorted(maps.Keys(qc.Keys)) {
		kc := qc.Keys[name]
		i, builtin := seen[name]
		if !builtin {
			if kc.Platform == "" {
				return nil, nil, fmt.Errorf("quota.keys.%s: platform is required for a new key", name)
			}
			keys = append(keys, quota.KeyConfig{Key: name, Reset: quota.DailyReset})
			i = len(keys) - 1
			seen[name] = i
		}
		k := &keys[i]
		if kc.Platform != "" {
			p, err := config.ParsePlatformName(kc.Platform)
			if err != nil {
				return nil, nil, fmt.Errorf("quota.keys.%s.platform: %w", name, err)
			}
			k.Platform = p
		}
		switch {
		case kc.Unlimited:
			k.Limit = nil
		case kc.Limit != nil:
			k.Limit = quota.IntPtr(*kc.Limit)
		}
		if kc.Reset != "" {
			k.Reset = kc.Reset
		}
	}

	pk := quota.DefaultPlatformKeys()
	for name, key := range qc.PlatformKeys {
		p, err := config.ParsePlatformName(name)
		if err != nil {
			return nil, nil, fmt.Errorf("quota.platform_keys.%s: %w", name, err)
		}
		if _, ok := seen[key]; !ok {
			return nil, nil, fmt.Errorf("quota.platform_keys.%s: %w %q", name, quota.ErrUnknownKey, key)
		}
		pk[p] = key
	}
	return keys, pk, nil
}

// mapTiers derives the cost-ordered tier list from the ledger. Rebinding a
// platform's key moves its first tier to that key; keys added in config are
// appended at the platform's per-call cost.
func mapTiers(keys []quota.KeyConfig, platformKeys map[task.Platform]string, platforms map[string]config.PlatformConfig) []router.Tier {
	var tiers []router.Tier
	used := map[string]bool{}
	rebound := map[task.Platform]bool{}
	for _, tr := range router.DefaultTiers() {
		if key, ok := platformKeys[tr.Platform]; ok && !rebound[tr.Platform] {
			rebound[tr.Platform] = true
			tr.QuotaKey = key
		}
		if used[tr.QuotaKey] {
			continue
		}
		used[tr.QuotaKey] = true
		tiers = append(tiers, tr)
	}

	costOf := func(p task.Platform) float64 {
		for name, pc := range platforms {
			if q, err := config.ParsePlatformName(name); err == nil && q == p {
				return pc.CostPerCall
			}
		}
		return 0
	}
	for _, k := range keys {
		if used[k.Key] || !k.Platform.Valid() {
			continue
		}
		used[k.Key] = true
		tiers = append(tiers, router.Tier{Platform: k.Platform, QuotaKey: k.Key, CostPerUnit: costOf(k.Platform)})
	}
	return tiers
}

func mapExecConfig(pc config.PlatformConfig) adapter.ExecConfig {
	env := make([]string, 0, len(pc.Env))
	for _, k := range slices.Sorted(maps.Keys(pc.Env)) {
		env = append(env, k+"="+pc.Env[k])
	}
	cmd := strings.TrimSpace(pc.Command)
	return adapter.ExecConfig{
		Command:      cmd,
		Args:         slices.Clone(pc.Args),
		Env:          env,
		Dir:          pc.Dir,
		PromptArg:    pc.PromptArg,
		CostPerCall:  pc.CostPerCall,
		Capabilities: slices.Clone(pc.Capabilities),
		Requirements: []string{cmd + " on PATH"},
	}
}

// buildAdapters binds every platform: an exec adapter when enabled in config,
// a stub otherwise. Exec platforms get a binary requirement for their command
// in place of the built-in one.
func buildAdapters(platforms map[string]config.PlatformConfig, log logx.Logger) (adapter.Set, []validator.Option, error) {
	set := adapter.Set{}
	var vopts []validator.Option
	for _, name := range slices.Sorted(maps.Keys(platforms)) {
		pc := platforms[name]
		p, err := config.ParsePlatformName(name)
		if err != nil {
			return nil, nil, fmt.Errorf("platforms.%s: %w", name, err)
		}
		if !pc.IsEnabled() {
			continue
		}
		ec := mapExecConfig(pc)
		set[p] = adapter.NewExec(p, ec, log)
		vopts = append(vopts, validator.WithRequirements(p, validator.Requirements{
			ec.Requirements[0]: validator.BinaryRequirement(ec.Command),
		}))
	}
	for _, p := range task.Platforms {
		if _, ok := set[p]; !ok {
			set[p] = adapter.NewStub(p, adapter.StatusStub, "no command configured")
		}
	}
	return set, vopts, nil
}
