// Package config decodes engine tunables from a viper instance that already
// carries flags, environment and the optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pavelanni/adaptex/internal/calibration"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/ranking"
	"github.com/pavelanni/adaptex/internal/selector"
	"github.com/pavelanni/adaptex/internal/session"
)

// Config groups the settings of every engine.
type Config struct {
	Selector    selector.Config
	Calibration calibration.Config
	Ranking     ranking.Config
	Session     session.Config

	// CheckpointInterval is how often serve writes a checkpoint. Zero
	// disables periodic checkpoints; one is still written on shutdown.
	CheckpointInterval time.Duration
}

// SetDefaults registers the built-in value of every key.
func SetDefaults(v *viper.Viper) {
	sel := selector.DefaultConfig()
	v.SetDefault("selector.base_step", sel.BaseStep)
	v.SetDefault("selector.margin", sel.Margin)
	v.SetDefault("selector.floor", sel.Floor)
	v.SetDefault("selector.prior_se", sel.PriorSE)
	v.SetDefault("selector.tolerance_step", sel.ToleranceStep)
	v.SetDefault("selector.max_widening", sel.MaxWidening)
	v.SetDefault("selector.se_threshold", sel.SEThreshold)
	v.SetDefault("selector.min_items", sel.MinItems)

	cal := calibration.DefaultConfig()
	v.SetDefault("calibration.min_attempts", cal.MinAttempts)
	v.SetDefault("calibration.queue_size", cal.QueueSize)
	v.SetDefault("calibration.sweep_interval", cal.SweepInterval)

	rk := ranking.DefaultConfig()
	v.SetDefault("ranking.compression", rk.Compression)
	v.SetDefault("ranking.max_entries", rk.MaxEntries)
	v.SetDefault("ranking.compact_interval", rk.CompactInterval)

	ss := session.DefaultConfig()
	v.SetDefault("session.inactivity_timeout", ss.InactivityTimeout)
	v.SetDefault("session.sweep_interval", ss.SweepInterval)
	v.SetDefault("session.retention", ss.Retention)
	v.SetDefault("session.rank_partial", ss.RankPartial)

	v.SetDefault("checkpoint_interval", 5*time.Minute)
}

// FromViper reads and validates the engine configuration.
func FromViper(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	scale := model.DefaultScale()
	if v.IsSet("difficulty") {
		scale = model.DifficultyScale{}
		if err := v.UnmarshalKey("difficulty", &scale); err != nil {
			return Config{}, fmt.Errorf("decode difficulty scale: %w", err)
		}
	}
	if err := scale.Validate(); err != nil {
		return Config{}, fmt.Errorf("difficulty scale: %w", err)
	}

	cfg := Config{
		Selector: selector.Config{
			Scale:         scale,
			BaseStep:      v.GetFloat64("selector.base_step"),
			Margin:        v.GetFloat64("selector.margin"),
			Floor:         v.GetFloat64("selector.floor"),
			PriorSE:       v.GetFloat64("selector.prior_se"),
			ToleranceStep: v.GetFloat64("selector.tolerance_step"),
			MaxWidening:   v.GetInt("selector.max_widening"),
			SEThreshold:   v.GetFloat64("selector.se_threshold"),
			MinItems:      v.GetInt("selector.min_items"),
		},
		Calibration: calibration.Config{
			MinAttempts:   v.GetInt64("calibration.min_attempts"),
			QueueSize:     v.GetInt("calibration.queue_size"),
			SweepInterval: v.GetDuration("calibration.sweep_interval"),
		},
		Ranking: ranking.Config{
			Compression:     v.GetFloat64("ranking.compression"),
			MaxEntries:      v.GetInt("ranking.max_entries"),
			CompactInterval: v.GetDuration("ranking.compact_interval"),
		},
		Session: session.Config{
			InactivityTimeout: v.GetDuration("session.inactivity_timeout"),
			SweepInterval:     v.GetDuration("session.sweep_interval"),
			Retention:         v.GetDuration("session.retention"),
			RankPartial:       v.GetBool("session.rank_partial"),
		},
		CheckpointInterval: v.GetDuration("checkpoint_interval"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Selector.BaseStep <= 0:
		return fmt.Errorf("selector.base_step must be positive, got %v", c.Selector.BaseStep)
	case c.Selector.Margin < 0:
		return fmt.Errorf("selector.margin must not be negative, got %v", c.Selector.Margin)
	case c.Selector.Floor <= 0:
		return fmt.Errorf("selector.floor must be positive, got %v", c.Selector.Floor)
	case c.Selector.PriorSE <= 0:
		return fmt.Errorf("selector.prior_se must be positive, got %v", c.Selector.PriorSE)
	case c.Selector.ToleranceStep < 0 || c.Selector.MaxWidening < 0:
		return fmt.Errorf("selector tolerance widening must not be negative")
	case c.Calibration.MinAttempts < 2:
		return fmt.Errorf("calibration.min_attempts must be at least 2, got %d", c.Calibration.MinAttempts)
	case c.Calibration.QueueSize < 0:
		return fmt.Errorf("calibration.queue_size must not be negative, got %d", c.Calibration.QueueSize)
	case c.Calibration.SweepInterval <= 0:
		return fmt.Errorf("calibration.sweep_interval must be positive, got %v", c.Calibration.SweepInterval)
	case c.Ranking.Compression < 10:
		return fmt.Errorf("ranking.compression must be at least 10, got %v", c.Ranking.Compression)
	case float64(c.Ranking.MaxEntries) < 10*c.Ranking.Compression:
		return fmt.Errorf("ranking.max_entries must be at least 10 times ranking.compression, got %d", c.Ranking.MaxEntries)
	case c.Ranking.CompactInterval <= 0:
		return fmt.Errorf("ranking.compact_interval must be positive, got %v", c.Ranking.CompactInterval)
	case c.Session.InactivityTimeout <= 0:
		return fmt.Errorf("session.inactivity_timeout must be positive, got %v", c.Session.InactivityTimeout)
	case c.Session.SweepInterval <= 0:
		return fmt.Errorf("session.sweep_interval must be positive, got %v", c.Session.SweepInterval)
	case c.Session.Retention < 0 || c.CheckpointInterval < 0:
		return fmt.Errorf("session.retention and checkpoint_interval must not be negative")
	}
	return nil
}
