package triage

import "errors"

var (
	// ErrJudgmentUnavailable means the provider could not be reached, failed,
	// or timed out. Retried within a run.
	ErrJudgmentUnavailable = errors.New("judgment unavailable")

	// ErrJudgmentMalformed means the provider answered but the answer could
	// not be parsed into a verdict. Not retried within a run.
	ErrJudgmentMalformed = errors.New("judgment malformed")

	// ErrDispatch means an entry could not be delivered.
	ErrDispatch = errors.New("dispatch failed")

	// ErrStateLoad means persisted state could not be read.
	ErrStateLoad = errors.New("state load failed")

	// ErrStateSave means state could not be written.
	ErrStateSave = errors.New("state save failed")
)
