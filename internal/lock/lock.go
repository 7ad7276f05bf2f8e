// Package lock serializes work on a single invoice across goroutines and,
// with Redis, across processes.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended or the wait budget ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker hands out exclusive locks by key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// InvoiceKey is the lock key for one invoice.
func InvoiceKey(invoiceID string) string {
	return "billing:invoice:" + invoiceID
}
