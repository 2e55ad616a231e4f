package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Destination: "orders", Timeout: "5s"}
	if got := err.Error(); !strings.Contains(got, `"orders"`) || !strings.Contains(got, "5s") {
		t.Errorf("Error() = %q, want destination and timeout", got)
	}

	bare := &TimeoutError{Destination: "orders"}
	if got := bare.Error(); strings.Contains(got, "after") {
		t.Errorf("Error() without timeout = %q, should omit the duration clause", got)
	}
}

func TestIsTimeoutMatchesWrapped(t *testing.T) {
	err := fmt.Errorf("request failed: %w", &TimeoutError{Destination: "orders"})
	if !IsTimeout(err) {
		t.Error("IsTimeout should match a wrapped TimeoutError")
	}
	if IsTimeout(sterrors.New("plain")) {
		t.Error("IsTimeout should not match a plain error")
	}
}

func TestProcessingErrorUnwraps(t *testing.T) {
	inner := sterrors.New("bad payload")
	err := &ProcessingError{Inner: inner}

	if !sterrors.Is(err, inner) {
		t.Error("ProcessingError should unwrap to its inner error")
	}
	if !IsProcessing(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsProcessing should match a wrapped ProcessingError")
	}
}

func TestTransportErrorUnwraps(t *testing.T) {
	inner := sterrors.New("connection refused")
	err := &TransportError{TransportID: "rabbitmq", Destination: "orders", Inner: inner}

	if !sterrors.Is(err, inner) {
		t.Error("TransportError should unwrap to its inner error")
	}
	if !IsTransport(err) {
		t.Error("IsTransport should match a TransportError")
	}
	for _, part := range []string{"rabbitmq", "orders", "connection refused"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("Error() = %q, missing %q", err.Error(), part)
		}
	}
}

func TestIsShutdownCoversDisposalSentinels(t *testing.T) {
	if !IsShutdown(ErrShutdown) {
		t.Error("IsShutdown(ErrShutdown) = false")
	}
	if !IsShutdown(fmt.Errorf("send: %w", ErrEngineDisposed)) {
		t.Error("IsShutdown should match a wrapped ErrEngineDisposed")
	}
	if IsShutdown(&TimeoutError{Destination: "orders"}) {
		t.Error("IsShutdown should not match a timeout")
	}
}
