package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("catalog page 3: %w", NewTransientError(errors.New("429"), 429)), true},
		{"econnreset", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), true},
		{"econnrefused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"pattern", errors.New("TLS handshake timeout"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"permanent", errors.New("invalid input: missing field"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestCheckStatus(t *testing.T) {
	if err := CheckStatus(204, "u"); err != nil {
		t.Errorf("2xx should pass, got %v", err)
	}

	err := CheckStatus(503, "https://status.example/feed")
	if !IsTransient(err) {
		t.Error("503 should be transient")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 {
		t.Errorf("expected wrapped StatusError, got %v", err)
	}
	if err.Error() != "http 503 from https://status.example/feed" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if IsTransient(CheckStatus(400, "u")) {
		t.Error("400 should not be transient")
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("unexpected message %q", te.Error())
	}
}
