// Package errs defines the error taxonomy shared by every view cache
// manager package: the sentinel kinds a caller can test for with
// errors.Is, plus the one FatalInvariant helper that the view and
// registry packages use to report corruption.
package errs

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ...) when
// more context is useful; callers should still match with errors.Is.
var (
	// ErrInvalidParameter is returned for an offset beyond a section, a
	// misaligned request where alignment is required, or a missing
	// required argument.
	ErrInvalidParameter = errors.New("viewcache: invalid parameter")

	// ErrOutOfResources is returned when structure or page allocation
	// fails at init or view creation time.
	ErrOutOfResources = errors.New("viewcache: out of resources")

	// ErrNotFound is returned by operations that require an existing
	// view when Lookup misses.
	ErrNotFound = errors.New("viewcache: view not found")

	// ErrWouldBlock is returned by a lazy-write acquire in non-waiting
	// mode.
	ErrWouldBlock = errors.New("viewcache: would block")

	// ErrWriteProtected marks a write-back failure as non-retriable but
	// non-fatal for flush accounting purposes (see IoFailure.Retriable).
	ErrWriteProtected = errors.New("viewcache: write protected")
)

// IoFailure wraps a filesystem write_back failure. end-of-file and
// write-protected failures are non-retriable but are not treated as a
// fatal invariant violation; every other status is reported back as-is.
type IoFailure struct {
	Err error
}

func (e *IoFailure) Error() string {
	return fmt.Sprintf("viewcache: write_back failed: %v", e.Err)
}

func (e *IoFailure) Unwrap() error { return e.Err }

// Retriable reports whether the caller should expect a later FlushOne to
// succeed. end-of-file and write-protected statuses are never retriable.
func (e *IoFailure) Retriable() bool {
	return !errors.Is(e.Err, ErrWriteProtected) && !errors.Is(e.Err, io.EOF)
}

// Invariants reports and optionally enforces FatalInvariant conditions:
// corruption such as marking an already-dirty view dirty again, leaking
// references at map teardown, or a mapping step failing after VA
// reservation already succeeded. When Strict is true (registry.New sets
// it unless Config.Lenient is set; the zero Invariants value is not
// strict) a violation panics, matching the production-build behavior described by
// the source this package's contract is modeled on. When Strict is false
// the violation is logged with full structured fields and execution
// continues, for diagnostic builds and differential-testing harnesses.
type Invariants struct {
	Strict bool
	Logger *logrus.Logger
}

// Violation reports a FatalInvariant condition identified by msg, with
// fields carrying whatever context the caller has on hand (offsets,
// counts, file identifiers).
func (inv Invariants) Violation(msg string, fields logrus.Fields) {
	logger := inv.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(fields).Error("fatal invariant: " + msg)
	if inv.Strict {
		panic("viewcache: fatal invariant: " + msg)
	}
}
