package nvmf

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/bdev"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CREATE_TARGET", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "CREATE_TARGET" {
		t.Errorf("Expected Op=CREATE_TARGET, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "nvmf: invalid queue depth (op=CREATE_TARGET)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestQueueErrorMessage(t *testing.T) {
	err := NewQueueError("SUBMIT", "nqn.2024-01.io.nvmf:a", 2, ErrCodeQueueFull, "")

	expected := "nvmf: queue full (op=SUBMIT, nqn=nqn.2024-01.io.nvmf:a, queue=2)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("OPEN_CHANNEL", unix.ENODEV)

	if err.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected Code=ErrCodeDeviceNotFound, got %s", err.Code)
	}

	if err.Errno != unix.ENODEV {
		t.Errorf("Expected Errno=ENODEV, got %v", err.Errno)
	}

	if !errors.Is(err, unix.ENODEV) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENODEV")
	}

	if WrapError("NOOP", nil) != nil {
		t.Error("Expected nil for a nil inner error")
	}
}

func TestWrapErrorWrappedErrno(t *testing.T) {
	inner := fmt.Errorf("submit read: %w", bdev.ErrNoMemory)
	err := WrapError("SUBMIT", inner)

	if err.Code != ErrCodeInsufficientMemory {
		t.Errorf("Expected Code=ErrCodeInsufficientMemory, got %s", err.Code)
	}
	if !errors.Is(err, bdev.ErrNoMemory) {
		t.Error("Expected errors.Is to reach the submit error")
	}
}

func TestWrapErrorKeepsStructure(t *testing.T) {
	orig := NewQueueError("SUBMIT", "nqn", 1, ErrCodeStopped, "runner stopped")
	err := WrapError("STOP", fmt.Errorf("draining: %w", orig))

	if err.Op != "STOP" || err.Queue != 1 || err.Code != ErrCodeStopped {
		t.Errorf("Unexpected rewrap %+v", err)
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrDeviceNotFound

	structuredErr := &Error{Code: ErrCodeDeviceNotFound}
	if !errors.Is(structuredErr, ErrDeviceNotFound) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if sentinelErr.Error() != "device not found" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("TEST_OP", unix.ENOENT)
	if !errors.Is(wrappedErr, ErrDeviceNotFound) {
		t.Error("Wrapped ENOENT should match ErrDeviceNotFound")
	}
	if errors.Is(wrappedErr, ErrQueueFull) {
		t.Error("Wrapped ENOENT should not match ErrQueueFull")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("TEST", unix.EIO)

	if !IsErrno(err, unix.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, unix.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, unix.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    unix.Errno
		expected ErrorCode
	}{
		{unix.ENOENT, ErrCodeDeviceNotFound},
		{unix.ENODEV, ErrCodeDeviceNotFound},
		{unix.EBUSY, ErrCodeDeviceBusy},
		{unix.EINVAL, ErrCodeInvalidParameters},
		{unix.ERANGE, ErrCodeInvalidParameters},
		{unix.ENOMEM, ErrCodeInsufficientMemory},
		{unix.ETIMEDOUT, ErrCodeTimeout},
		{unix.ENOSYS, ErrCodeNotSupported},
		{unix.EOPNOTSUPP, ErrCodeNotSupported},
		{unix.EAGAIN, ErrCodeQueueFull},
		{unix.EBADF, ErrCodeStopped},
		{unix.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
