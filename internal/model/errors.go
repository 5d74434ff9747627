package model

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid for the
	// session's current state. The session is left untouched.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrBlueprintUnsatisfiable is returned when the pool cannot fill a slot
	// even after every relaxation step.
	ErrBlueprintUnsatisfiable = errors.New("blueprint unsatisfiable")

	ErrInvalidBlueprint = errors.New("invalid blueprint")
	ErrUnknownBlueprint = errors.New("unknown blueprint")
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrUnknownSession   = errors.New("unknown session")

	// ErrCalibrationUnavailable means a question has no stable calibration
	// yet. Callers fall back to the seed difficulty.
	ErrCalibrationUnavailable = errors.New("calibration unavailable")

	// ErrNotTerminal is returned by result queries on a session that is
	// still running.
	ErrNotTerminal = errors.New("session not finished")
)
