package backend

import (
	"github.com/hyp3rd/ewrap"
)

const (
	DefaultQuotaBytes        = 102400
	DefaultQuotaBytesPerItem = 8192
)

// Quota bounds the size of stored data. Zero fields disable the bound.
type Quota struct {
	Bytes        int
	BytesPerItem int
}

// DefaultQuota mirrors the limits of a browser sync storage area.
func DefaultQuota() Quota {
	return Quota{
		Bytes:        DefaultQuotaBytes,
		BytesPerItem: DefaultQuotaBytesPerItem,
	}
}

// ItemSize is the number of bytes an item counts against the quota.
func ItemSize(key string, value []byte) int {
	return len(key) + len(value)
}

// Usage returns the size of items encoded as one compact JSON object.
func Usage(items Items) int {
	if len(items) == 0 {
		return 2
	}
	size := 2 + len(items) - 1 // braces and commas
	for k, v := range items {
		size += len(k) + 3 + len(v) // quotes and colon
	}
	return size
}

// check returns ErrQuotaExceeded if writing incoming over current would
// break the quota.
func (q Quota) check(current, incoming Items) error {
	if q.BytesPerItem > 0 {
		for k, v := range incoming {
			if size := ItemSize(k, v); size > q.BytesPerItem {
				return ewrap.Wrapf(ErrQuotaExceeded, "QUOTA_BYTES_PER_ITEM: %q needs %d bytes, limit %d", k, size, q.BytesPerItem)
			}
		}
	}
	if q.Bytes <= 0 {
		return nil
	}

	total := 0
	for k, v := range current {
		if _, replaced := incoming[k]; replaced {
			continue
		}
		total += ItemSize(k, v)
	}
	for k, v := range incoming {
		total += ItemSize(k, v)
	}
	if total > q.Bytes {
		return ewrap.Wrapf(ErrQuotaExceeded, "QUOTA_BYTES: %d bytes needed, limit %d", total, q.Bytes)
	}
	return nil
}
