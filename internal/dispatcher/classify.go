package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/webcapture/internal/orchestrator"
	"github.com/local/webcapture/internal/squeeze"
)

// isTransient reports whether a failed job is worth requeueing by hand from
// the DLQ. Nothing is retried automatically.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	// Canceled only reaches here on shutdown; user cancels are not failures.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch squeeze.KindOf(err) {
	case squeeze.KindLaunch:
		return true
	case squeeze.KindPageCount, squeeze.KindSplit, squeeze.KindCompress, squeeze.KindMerge:
		return false
	}
	if errors.Is(err, orchestrator.ErrInvalidEvent) {
		return false
	}
	if errors.Is(err, orchestrator.ErrUpload) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "net::err_") ||
		strings.Contains(errStr, "eof")
}

// dlqReason is stored next to the payload in the DLQ, e.g.
// "compress_failure/fatal: squeeze: ...".
func dlqReason(err error) string {
	class := "fatal"
	if isTransient(err) {
		class = "transient"
	}
	return orchestrator.ErrorKind(err) + "/" + class + ": " + err.Error()
}
