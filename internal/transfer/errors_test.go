package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "request",
				StatusCode: 404,
				Message:    "404 Not Found",
			},
			wantFormat: "network error during request (HTTP 404): 404 Not Found",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation: "read",
				Message:   "connection reset by peer",
			},
			wantFormat: "network error during read: connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestIntegrityError_Error verifies error message formatting
func TestIntegrityError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *IntegrityError
		want string
	}{
		{
			name: "with expectation",
			err:  &IntegrityError{Path: "dlc001.zip", Reason: "size mismatch", Expected: "10", Actual: "11"},
			want: "integrity check failed for dlc001.zip: size mismatch (expected 10, got 11)",
		},
		{
			name: "reason only",
			err:  &IntegrityError{Path: "dlc001.zip", Reason: "unsupported checksum"},
			want: "integrity check failed for dlc001.zip: unsupported checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestNetworkError_Unwrap verifies error chain traversal
func TestNetworkError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &NetworkError{
		Operation: "read",
		Message:   "connection reset",
		Err:       cause,
	}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}
}

// TestIntegrityError_Unwrap verifies error chain traversal
func TestIntegrityError_Unwrap(t *testing.T) {
	cause := errors.New("short write")
	err := &IntegrityError{Path: "x", Reason: "size mismatch", Err: cause}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

// TestErrorTypes_As verifies programmatic error type detection
func TestErrorTypes_As(t *testing.T) {
	wrappedNet := fmt.Errorf("candidate r2: %w", &NetworkError{Operation: "read", StatusCode: 503})

	var netErr *NetworkError
	if !errors.As(wrappedNet, &netErr) {
		t.Fatal("errors.As() should extract NetworkError from wrapped error")
	}

	if netErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", netErr.StatusCode)
	}

	var integrityErr *IntegrityError
	if errors.As(wrappedNet, &integrityErr) {
		t.Error("errors.As() should not match IntegrityError for NetworkError")
	}

	wrappedIntegrity := fmt.Errorf("candidate gitee: %w", &IntegrityError{Path: "x", Reason: "digest mismatch"})
	if !errors.As(wrappedIntegrity, &integrityErr) {
		t.Fatal("errors.As() should extract IntegrityError from wrapped error")
	}

	if integrityErr.Reason != "digest mismatch" {
		t.Errorf("Reason = %q, want %q", integrityErr.Reason, "digest mismatch")
	}
}
