// Package scoring provides core.Scorer implementations: a deterministic
// RuleScorer driven by a YAML policy and a ModelScorer that asks a language
// model for a narrative verdict.
//
// Risk scores run from 0 (lowest risk) to 100 (highest risk).
package scoring
