package db

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	transient := []codes.Code{
		codes.Unavailable,
		codes.DeadlineExceeded,
		codes.Aborted,
		codes.ResourceExhausted,
		codes.Internal,
	}
	for _, code := range transient {
		if !IsTransient(status.Error(code, "boom")) {
			t.Errorf("%v should be transient", code)
		}
	}

	fatal := []codes.Code{
		codes.NotFound,
		codes.PermissionDenied,
		codes.InvalidArgument,
		codes.Unauthenticated,
	}
	for _, code := range fatal {
		if IsTransient(status.Error(code, "boom")) {
			t.Errorf("%v should not be transient", code)
		}
	}
}

func TestIsTransientPlainError(t *testing.T) {
	// status.FromError treats a plain error as codes.Unknown
	if IsTransient(errors.New("not a grpc error")) {
		t.Error("plain errors are not transient")
	}
}
