// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package anthropic

var (
	BuildParams   = buildParams
	ExtractSchema = extractSchema
)
