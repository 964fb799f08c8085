package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Normalized transport error categories. Every one of these is
// recoverable: the link session retries them with backoff and never
// surfaces them as fatal.
var (
	ErrRefused  = errors.New("CONNECTION_REFUSED")
	ErrReset    = errors.New("CONNECTION_RESET")
	ErrTimeout  = errors.New("TIMEOUT")
	ErrClosed   = errors.New("CONNECTION_CLOSED")
	ErrInternal = errors.New("INTERNAL")
)

// categoryTokens maps lower-cased substrings of underlying network error
// messages to normalized categories. Matching is table-driven so new
// platforms only extend the tables, never the logic.
var categoryTokens = []struct {
	code   error
	tokens []string
}{
	{ErrRefused, []string{
		"connection refused",
		"no such host",
		"network is unreachable",
		"bad handshake",
	}},
	{ErrReset, []string{
		"connection reset",
		"broken pipe",
		"unexpected eof",
	}},
	{ErrTimeout, []string{
		"timeout",
		"deadline exceeded",
	}},
	{ErrClosed, []string{
		"use of closed network connection",
		"websocket: close",
		"going away",
		"abnormal closure",
	}},
}

// Error wraps an underlying network failure with its normalized category.
type Error struct {
	Code     error
	Original error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (transport: %v)", e.Code, e.Original)
}

func (e *Error) Unwrap() error {
	return e.Code
}

// Classify maps an underlying network error to a normalized transport
// error. Already-classified errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var terr *Error
	if errors.As(err, &terr) {
		return err
	}

	return &Error{Code: classifyCode(err), Original: err}
}

func classifyCode(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, category := range categoryTokens {
		for _, token := range category.tokens {
			if strings.Contains(msg, token) {
				return category.code
			}
		}
	}

	// io.EOF and anything unrecognized: treat as a reset so the session
	// reconnects rather than giving up.
	if msg == "eof" {
		return ErrReset
	}
	return ErrInternal
}

// Retryable reports whether an error should be retried with backoff.
// All transport errors are; validation and programmer errors are not.
func Retryable(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}
