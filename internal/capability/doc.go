// Package capability defines the contract for the external capability
// backends (language models, scripts, rule engines) that execute a single
// classify/extract/summarize/draft unit of work and report a confidence
// signal. Subpackages provide OpenAI-compatible, Gemini, python bridge and
// rule-based implementations.
package capability
