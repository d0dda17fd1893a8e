package rpki

import (
	"fmt"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
	"go.uber.org/zap"
)

// Preflight verifies that the VRP cache is present, readable, and fresh.
// It runs independently of the pipeline; a non-nil error means RPKI
// validation cannot be trusted for this run.
func Preflight(log *zap.Logger, cfg config.RPKIConfig) error {
	if !cfg.Enabled {
		return nil
	}

	age, err := CacheAge(cfg.VRPCachePath)
	if err != nil {
		return fmt.Errorf("VRP cache unavailable: %w", err)
	}
	if Stale(age, cfg.MaxVRPAgeHours) {
		return fmt.Errorf("VRP cache is stale: age %s exceeds %dh",
			age.Round(time.Minute), cfg.MaxVRPAgeHours)
	}

	vrps, diags, err := LoadVRPFile(cfg.VRPCachePath)
	if err != nil {
		return fmt.Errorf("VRP cache unreadable: %w", err)
	}
	for _, d := range diags {
		log.Warn("VRP cache diagnostic", zap.String("detail", d))
	}

	log.Info("RPKI preflight passed",
		zap.String("cache", cfg.VRPCachePath),
		zap.Int("vrps", len(vrps)),
		zap.Duration("age", age.Round(time.Second)),
	)
	return nil
}

// NewValidatorFromConfig loads the cache and allowlist per configuration.
// A stale cache with fail-closed policy yields a validator that answers
// ERROR to every query rather than a load failure, so guardrails can
// escalate instead of the run crashing.
func NewValidatorFromConfig(log *zap.Logger, cfg config.RPKIConfig) (*Validator, error) {
	age, err := CacheAge(cfg.VRPCachePath)
	if err != nil {
		if cfg.FailClosed {
			v := NewValidator(log, nil)
			v.SetFailClosed(fmt.Sprintf("VRP cache unavailable: %v", err))
			return v, nil
		}
		return nil, err
	}

	if Stale(age, cfg.MaxVRPAgeHours) {
		if cfg.FailClosed {
			log.Error("VRP cache stale with fail-closed policy; all queries will ERROR",
				zap.Duration("age", age.Round(time.Minute)),
				zap.Int("max_age_hours", cfg.MaxVRPAgeHours),
			)
			v := NewValidator(log, nil)
			v.SetFailClosed("VRP cache stale")
			return v, nil
		}
		log.Warn("VRP cache stale; continuing because fail_closed is off",
			zap.Duration("age", age.Round(time.Minute)))
	}

	vrps, diags, err := LoadVRPFile(cfg.VRPCachePath)
	if err != nil {
		if cfg.FailClosed {
			v := NewValidator(log, nil)
			v.SetFailClosed(fmt.Sprintf("VRP cache unreadable: %v", err))
			return v, nil
		}
		return nil, err
	}
	for _, d := range diags {
		log.Warn("VRP cache diagnostic", zap.String("detail", d))
	}

	v := NewValidator(log, vrps)
	if cfg.AllowlistPath != "" {
		if err := v.LoadAllowlist(cfg.AllowlistPath); err != nil {
			return nil, err
		}
	}
	return v, nil
}
