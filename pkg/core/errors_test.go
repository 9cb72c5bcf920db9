package core

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorCodeForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   CancellationErrorCode
	}{
		{200, ErrNone},
		{401, ErrAuthenticationFailure},
		{1006, ErrAuthenticationFailure},
		{403, ErrForbidden},
		{429, ErrTooManyRequests},
		{1007, ErrBadRequestParameters},
		{408, ErrServiceTimeout},
		{504, ErrServiceTimeout},
		{500, ErrServiceError},
		{1011, ErrServiceError},
		{502, ErrConnectionFailure},
		{0, ErrConnectionFailure},
	}
	for _, tc := range cases {
		if got := ErrorCodeForStatus(tc.status); got != tc.want {
			t.Errorf("ErrorCodeForStatus(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestConnectionErrorName(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{400, "BadRequest"},
		{1007, "BadRequest"},
		{401, "Unauthorized"},
		{403, "Forbidden"},
		{503, "ServerUnavailable"},
		{1011, "ServerError"},
		{504, "Timeout"},
		{418, "statuscode:418"},
	}
	for _, tc := range cases {
		if got := ConnectionErrorName(tc.status); got != tc.want {
			t.Errorf("ConnectionErrorName(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestErrorFormattingAndUnwrap(t *testing.T) {
	inner := errors.New("socket hangup")
	wrapped := NewRuntimeError(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatalf("unwrap lost the cause")
	}
	if !strings.Contains(wrapped.Error(), "RuntimeError") || !strings.Contains(wrapped.Error(), "socket hangup") {
		t.Fatalf("message = %q", wrapped.Error())
	}

	connErr := NewConnectionError("Unable to contact server. StatusCode: 500,  Reason: boom")
	if connErr.Code != ErrConnectionFailure {
		t.Fatalf("code = %q", connErr.Code)
	}
	var asErr *Error
	if !errors.As(error(connErr), &asErr) {
		t.Fatalf("errors.As failed")
	}
}
