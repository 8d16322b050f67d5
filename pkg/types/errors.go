package types

import (
	"context"
	"errors"
	"net"
	"os"
)

// Error taxonomy shared by the download and transfer paths. Wrap these
// with fmt.Errorf("%w: ...") so callers can branch with errors.Is.
var (
	ErrNetwork           = errors.New("network error")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrStorageExhausted  = errors.New("device storage exhausted")
	ErrConflictCancelled = errors.New("cancelled at conflict prompt")
	ErrLocalFS           = errors.New("local filesystem error")
)

// IsDeviceFatal reports whether err ends the pass for the device it came from.
func IsDeviceFatal(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrStorageExhausted)
}

// IsRetryable reports whether a download attempt that failed with err
// may be attempted again.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) == ErrNetwork || Classify(err) == ErrIntegrity
}

// Classify maps err onto the taxonomy. Errors that already wrap a
// taxonomy sentinel keep it; timeouts and net errors count as network
// errors; path errors count as local filesystem errors. Anything else
// is returned unchanged.
func Classify(err error) error {
	for _, sentinel := range []error{ErrNetwork, ErrIntegrity, ErrDeviceUnavailable, ErrStorageExhausted, ErrConflictCancelled, ErrLocalFS} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return ErrLocalFS
	}
	return err
}
