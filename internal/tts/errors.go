package tts

import (
	"errors"
	"fmt"
)

// Provider and run errors. Synthesizer implementations wrap ErrQuotaExceeded
// and ErrAuthentication so the orchestrator can rotate keys.
var (
	ErrQuotaExceeded   = errors.New("provider quota exceeded")
	ErrAuthentication  = errors.New("provider rejected the credential")
	ErrQuotaExhausted  = errors.New("every provider key has exhausted its quota")
	ErrSynthesisFailed = errors.New("synthesis failed")
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrEmptyAudio      = errors.New("received empty audio data")
)

// RunError reports the segment at which a run stopped.
type RunError struct {
	Index int
	Cause error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("synthesis run stopped at segment %d: %v", e.Index, e.Cause)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}
