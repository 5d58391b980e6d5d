// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package privacycfg holds the tuned constants of the privacy pipeline
// and loads them from YAML, with optional hot reload.
package privacycfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source provides the current configuration. Watcher implements it for
// hot reload; Static wraps a fixed value.
type Source interface {
	Current() Config
}

// Static is a Source that always returns the same config.
type Static Config

// Current implements the Source interface.
func (s Static) Current() Config { return Config(s) }

// Config contains all tunable settings of the privacy pipeline.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation; hot reload swaps whole Config values instead of mutating.
type Config struct {
	// Thresholds contains similarity tier boundaries.
	Thresholds ThresholdConfig `json:"thresholds" yaml:"thresholds"`

	// Sampling contains retrieval sampling limits.
	Sampling SamplingConfig `json:"sampling" yaml:"sampling"`

	// Synthesis contains decoy generation settings.
	Synthesis SynthesisConfig `json:"synthesis" yaml:"synthesis"`

	// Temperatures contains per-role LLM sampling temperatures.
	Temperatures TemperatureConfig `json:"temperatures" yaml:"temperatures"`

	// Router contains fast-path classification settings.
	Router RouterConfig `json:"router" yaml:"router"`
}

// ThresholdConfig contains the similarity tier boundaries. Boundaries
// must be strictly increasing: Low < Mid < High.
type ThresholdConfig struct {
	// High is the lower bound of the high-similarity tier.
	High float64 `json:"high" yaml:"high"`

	// Mid is the lower bound of the mid-similarity tier.
	Mid float64 `json:"mid" yaml:"mid"`

	// Low is the similarity floor. Candidates below it are discarded
	// unless trusted.
	Low float64 `json:"low" yaml:"low"`
}

// SamplingConfig contains retrieval sampling limits.
type SamplingConfig struct {
	// MaxResults caps the total number of returned candidates.
	MaxResults int `json:"max_results" yaml:"max_results"`

	// MaxHigh caps candidates taken from the high tier.
	MaxHigh int `json:"max_high" yaml:"max_high"`

	// MaxMid caps candidates taken from the mid tier.
	MaxMid int `json:"max_mid" yaml:"max_mid"`
}

// SynthesisConfig contains decoy generation settings.
type SynthesisConfig struct {
	// BatchSize is the number of candidates requested per generation batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxBatches bounds how many batches a run may attempt.
	MaxBatches int `json:"max_batches" yaml:"max_batches"`

	// TargetCount is the number of accepted decoys that completes a run.
	TargetCount int `json:"target_count" yaml:"target_count"`

	// FastTrackLow and FastTrackHigh bound the similarity band in which
	// a candidate is accepted without judging and the batch ends early.
	FastTrackLow  float64 `json:"fast_track_low" yaml:"fast_track_low"`
	FastTrackHigh float64 `json:"fast_track_high" yaml:"fast_track_high"`

	// JudgeTarget is the ideal similarity; the candidate closest to it
	// in a batch is sent to the judge.
	JudgeTarget float64 `json:"judge_target" yaml:"judge_target"`
}

// TemperatureConfig contains per-role LLM sampling temperatures.
type TemperatureConfig struct {
	Router       float32 `json:"router" yaml:"router"`
	Judge        float32 `json:"judge" yaml:"judge"`
	Generation   float32 `json:"generation" yaml:"generation"`
	Perturbation float32 `json:"perturbation" yaml:"perturbation"`
}

// RouterConfig contains fast-path classification settings.
type RouterConfig struct {
	// GreetingMaxLen is the maximum length of a message that can match
	// the greeting fast path.
	GreetingMaxLen int `json:"greeting_max_len" yaml:"greeting_max_len"`

	// MarkerThreshold is the number of personal markers at which a
	// message is classified high risk without the slow path.
	MarkerThreshold int `json:"marker_threshold" yaml:"marker_threshold"`
}

// Default returns the tuned production configuration.
func Default() Config {
	return Config{
		Thresholds: ThresholdConfig{
			High: 0.85,
			Mid:  0.75,
			Low:  0.635,
		},
		Sampling: SamplingConfig{
			MaxResults: 10,
			MaxHigh:    5,
			MaxMid:     5,
		},
		Synthesis: SynthesisConfig{
			BatchSize:     5,
			MaxBatches:    4,
			TargetCount:   3,
			FastTrackLow:  0.75,
			FastTrackHigh: 0.85,
			JudgeTarget:   0.80,
		},
		Temperatures: TemperatureConfig{
			Router:       0.1,
			Judge:        0.3,
			Generation:   1.0,
			Perturbation: 0.7,
		},
		Router: RouterConfig{
			GreetingMaxLen:  20,
			MarkerThreshold: 3,
		},
	}
}

// Load reads a YAML config file. Fields absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	t := c.Thresholds
	if !(t.Low > 0 && t.Low < t.Mid && t.Mid < t.High && t.High < 1) {
		return fmt.Errorf("thresholds must satisfy 0 < low < mid < high < 1, got low=%v mid=%v high=%v", t.Low, t.Mid, t.High)
	}

	s := c.Sampling
	if s.MaxResults <= 0 || s.MaxHigh < 0 || s.MaxMid < 0 {
		return fmt.Errorf("sampling limits must be positive, got max_results=%d max_high=%d max_mid=%d", s.MaxResults, s.MaxHigh, s.MaxMid)
	}

	g := c.Synthesis
	if g.BatchSize <= 0 || g.MaxBatches <= 0 || g.TargetCount <= 0 {
		return fmt.Errorf("synthesis counts must be positive, got batch_size=%d max_batches=%d target_count=%d", g.BatchSize, g.MaxBatches, g.TargetCount)
	}
	if !(g.FastTrackLow < g.FastTrackHigh) {
		return fmt.Errorf("fast track band must be increasing, got [%v, %v]", g.FastTrackLow, g.FastTrackHigh)
	}
	if g.JudgeTarget < g.FastTrackLow || g.JudgeTarget > g.FastTrackHigh {
		return fmt.Errorf("judge target %v must lie within the fast track band [%v, %v]", g.JudgeTarget, g.FastTrackLow, g.FastTrackHigh)
	}

	r := c.Router
	if r.GreetingMaxLen <= 0 || r.MarkerThreshold <= 0 {
		return fmt.Errorf("router limits must be positive, got greeting_max_len=%d marker_threshold=%d", r.GreetingMaxLen, r.MarkerThreshold)
	}

	return nil
}
