package types

import "errors"

// Sandbox lifecycle errors.
var (
	// ErrBuild is returned when a sandbox image cannot be pulled or a
	// container cannot be created from it.
	ErrBuild = errors.New("sandbox build failed")
	// ErrResourceExhausted is returned when no sandbox slot frees up
	// within the acquisition timeout.
	ErrResourceExhausted = errors.New("sandbox slots exhausted")
	// ErrTimeout is returned when a sandbox request exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCrashed is returned when a sandbox container exits while a
	// request against it is pending.
	ErrCrashed = errors.New("sandbox crashed")
)

// Submission processing errors.
var (
	// ErrDecryption is returned when a revealed submission payload cannot
	// be decrypted with its reveal key.
	ErrDecryption = errors.New("payload decryption failed")
	// ErrFingerprint is returned when source code cannot be fingerprinted
	// for similarity comparison.
	ErrFingerprint = errors.New("fingerprint extraction failed")
)
