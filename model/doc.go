// Package model abstracts the language models used by narrative
// collaborators: the model backed scorer and the search summarizer.
//
// Providers (model/openai, model/anthropic) implement Model so callers stay
// decoupled from vendor SDKs. Collect turns a Generate stream into a single
// final Response, which is what every caller in this module needs.
package model
