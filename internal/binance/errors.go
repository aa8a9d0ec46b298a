package binance

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures for callers that branch on cause.
type ErrorKind string

const (
	ErrKindNetwork  ErrorKind = "network"
	ErrKindAuth     ErrorKind = "auth"
	ErrKindExchange ErrorKind = "exchange"
	ErrKindTimeout  ErrorKind = "timeout"
)

// Error is a typed broker failure. Code carries the exchange error code when
// the exchange produced one (negative numbers), otherwise the HTTP status.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance %s error (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("binance %s error: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a broker error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

func networkErr(err error) *Error {
	return &Error{Kind: ErrKindNetwork, Message: err.Error()}
}

func timeoutErr(err error) *Error {
	return &Error{Kind: ErrKindTimeout, Message: err.Error()}
}

func authErr(status int, body string) *Error {
	return &Error{Kind: ErrKindAuth, Code: status, Message: body}
}

func exchangeErr(code int, msg string) *Error {
	return &Error{Kind: ErrKindExchange, Code: code, Message: msg}
}

// transportError wraps a failed round trip into a network or timeout error.
func transportError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutErr(err)
	}
	return networkErr(err)
}
