package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Cause labels why a store write failed.
type Cause string

// Failure causes reported per record.
const (
	CauseIntegrity    Cause = "integrity"
	CauseData         Cause = "data"
	CauseConnectivity Cause = "connectivity"
	CauseCanceled     Cause = "canceled"
	CauseOther        Cause = "other"
)

// SQLite primary result codes (sqlite3.h).
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteIOErr      = 10
	sqliteCantOpen   = 14
	sqliteConstraint = 19
	sqliteMismatch   = 20
)

// TransientError marks an upstream failure that is expected to clear by
// itself, such as a 429 or 503 from a mirror.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether err is a TransientError or a network-level
// failure (timeouts, resets, refused connections, DNS).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// sqliteCoder matches modernc.org/sqlite errors without importing the driver.
type sqliteCoder interface {
	Code() int
}

// Classify labels a store error. A server that answered with a SQLSTATE is
// reachable; only connection-level failures are CauseConnectivity. Failed
// connects and network timeouts are connectivity even when they unwrap to
// context.DeadlineExceeded.
func Classify(err error) Cause {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return CauseIntegrity
		case pgerrcode.IsDataException(pgErr.Code):
			return CauseData
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return CauseConnectivity
		default:
			return CauseOther
		}
	}

	var sqlErr sqliteCoder
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqliteConstraint:
			return CauseIntegrity
		case sqliteMismatch:
			return CauseData
		case sqliteBusy, sqliteLocked, sqliteIOErr, sqliteCantOpen:
			return CauseConnectivity
		default:
			return CauseOther
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return CauseConnectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return CauseConnectivity
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseConnectivity
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CauseCanceled
	}
	if pgconn.SafeToRetry(err) || IsTransient(err) {
		return CauseConnectivity
	}
	return CauseOther
}

// IsStoreUnreachable reports whether err means the store could not be
// reached at all, as opposed to rejecting one record.
func IsStoreUnreachable(err error) bool {
	return Classify(err) == CauseConnectivity
}
