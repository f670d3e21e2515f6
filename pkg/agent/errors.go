package agent

import (
	"errors"
	"fmt"
)

// Kind classifies a failed turn.
type Kind string

const (
	// KindTransient failures are worth retrying as is: LLM timeouts, rate
	// limits, provider outages.
	KindTransient Kind = "transient"

	// KindParse means the model output could not be used even after one
	// regeneration. Retrying, possibly with a better model, may succeed.
	KindParse Kind = "parse"

	// KindInternal failures are not expected to go away on retry: store
	// errors, missing personas, bad configuration.
	KindInternal Kind = "internal"
)

// User-facing messages. Internal details never reach the user.
const (
	MsgTrouble  = "I'm having a little trouble responding right now. Could you try again in a moment?"
	MsgThrottle = "You're sending messages a bit fast. Give me a second to catch up?"
	MsgInternal = "Something went wrong on our side. Please try again later."
)

var (
	// ErrBusy is returned when another turn for the same pair held the
	// lock longer than the configured wait.
	ErrBusy = errors.New("agent: conversation busy")

	// ErrThrottled is returned when the user exceeded the call rate limit.
	ErrThrottled = errors.New("agent: rate limited")

	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("agent: empty message")
)

// TurnError is the error returned by [Agent.Chat]. No state was committed
// for the turn.
type TurnError struct {
	Kind Kind

	// UserMessage is safe to show to the end user.
	UserMessage string

	Err error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("agent: %s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Retryable reports whether the same turn may succeed if sent again.
func (e *TurnError) Retryable() bool { return e.Kind != KindInternal }

func transient(err error) *TurnError {
	msg := MsgTrouble
	if errors.Is(err, ErrThrottled) {
		msg = MsgThrottle
	}
	return &TurnError{Kind: KindTransient, UserMessage: msg, Err: err}
}

func parseFailure(err error) *TurnError {
	return &TurnError{Kind: KindParse, UserMessage: MsgTrouble, Err: err}
}

func internal(err error) *TurnError {
	return &TurnError{Kind: KindInternal, UserMessage: MsgInternal, Err: err}
}

// AsTurnError extracts a *TurnError from err.
func AsTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	ok := errors.As(err, &te)
	return te, ok
}
