package session

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// gattRetries is the number of additional attempts after the first failure
// of a GATT operation.
const gattRetries = 2

// gattRetryDelay is the fixed pause between attempts. Variable so tests can
// shorten it.
var gattRetryDelay = 500 * time.Millisecond

// isTransientGATT reports whether a GATT failure is worth retrying.
// Transport hiccups tend to mention a disconnect or a timeout; anything
// else (bad handle, permission denied) will not get better on retry.
func isTransientGATT(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disconnect") || strings.Contains(msg, "timeout")
}

// withGATTRetry runs op, retrying up to gattRetries times on transient
// failures with a fixed delay between attempts. The last error is returned
// as-is so callers see the underlying failure, not a retry wrapper.
func withGATTRetry(ctx context.Context, logger *logrus.Logger, what string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= gattRetries || !isTransientGATT(err) {
			return err
		}
		logger.WithFields(logrus.Fields{
			"op":      what,
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Debug("Transient GATT failure, retrying")
		select {
		case <-time.After(gattRetryDelay):
		case <-ctx.Done():
			return err
		}
	}
}
