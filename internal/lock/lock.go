// Package lock provides short-lived mutual exclusion across billing runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyKey   = errors.New("lock key is empty")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker hands out expiring leases. TryLock never blocks; ok is false when
// another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lease only if token still owns key.
	Release(ctx context.Context, key, token string) error
	Backend() string
}

// SubscriptionKey names the billing lock for one subscription.
func SubscriptionKey(subscriptionID fmt.Stringer) string {
	return "pawbill:billing:subscription:" + subscriptionID.String()
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
