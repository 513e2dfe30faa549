// Package triage is the decision-and-dedup pipeline for security news. It
// defines the Service (load, dedup, judge, decide, dispatch, persist), the
// Engine (single LLM judgment per entry), the Decision Policy, the processed
// State with its Store interface, and the Dispatcher boundary.
package triage
