package backend

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/hyp3rd/ewrap"
	"github.com/lib/pq"
)

var (
	// ErrQuotaExceeded is returned when a write would exceed the storage quota.
	ErrQuotaExceeded = ewrap.New("QUOTA_BYTES quota exceeded")

	// ErrInvalidDSN is returned when a backend DSN cannot be parsed.
	ErrInvalidDSN = ewrap.New("invalid backend dsn")

	// ErrNotImplemented is returned for recognised but unsupported backends.
	ErrNotImplemented = ewrap.New("backend not implemented")

	// ErrClosed is returned when a closed store is used.
	ErrClosed = ewrap.New("backend closed")
)

const (
	mysqlRecordFileFull = 1114 // ER_RECORD_FILE_FULL
	pgDiskFull          = "53100"
	pgOutOfMemory       = "53200"
)

// IsQuotaError reports whether err signals storage-limit exhaustion.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlRecordFileFull {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == pgDiskFull || pqErr.Code == pgOutOfMemory) {
		return true
	}

	msg := err.Error()
	// redis reports memory exhaustion as "OOM command not allowed ..."
	if strings.HasPrefix(msg, "OOM ") {
		return true
	}
	return strings.Contains(msg, "QUOTA_BYTES") || strings.Contains(strings.ToLower(msg), "quota")
}
