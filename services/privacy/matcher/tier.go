// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package matcher retrieves decoy candidates semantically similar to a
// query and stratifies them into similarity tiers for sampling.
package matcher

// Tier classifies a candidate by similarity to the query. Tiers are
// ordered: a higher value means a closer match.
type Tier int

const (
	// TierDiscard marks candidates below the similarity floor.
	TierDiscard Tier = iota

	// TierLow holds weak echoes, usable only to fill remaining slots.
	TierLow

	// TierMid holds resonant matches.
	TierMid

	// TierHigh holds precise matches.
	TierHigh
)

// String returns the display name of the tier.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMid:
		return "mid"
	case TierLow:
		return "low"
	case TierDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// tierForScore maps a similarity score onto a tier given the configured
// boundaries. Boundaries are exclusive lower bounds.
func tierForScore(score, low, mid, high float64) Tier {
	switch {
	case score > high:
		return TierHigh
	case score > mid:
		return TierMid
	case score > low:
		return TierLow
	default:
		return TierDiscard
	}
}
