// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rules bakes the identifier pattern file into the binary so the
// scanner's rules are immutable at runtime and travel with the executable.
package rules

import (
	_ "embed"
)

// PIIPatterns holds the raw byte content of pii_patterns.yaml, populated
// at compile time. Pass it directly to yaml.Unmarshal.
//
//go:embed pii_patterns.yaml
var PIIPatterns []byte
