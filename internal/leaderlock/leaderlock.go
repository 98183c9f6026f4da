// Package leaderlock elects a single scheduling owner among concurrent
// worker processes. The lock is acquired once at process start and held
// for the process lifetime; there is no renewal and no live failover.
package leaderlock

import (
	"context"
	"fmt"
	"os"
)

// Lock is a single exclusive, non-blocking acquisition against one
// well-known resource name.
type Lock interface {
	// TryAcquire reports whether this process now holds the resource.
	// A false return is not an error: another process is the leader.
	TryAcquire(ctx context.Context, resource string) (bool, error)
	// Release frees the resource at process teardown.
	Release(ctx context.Context) error
}

// holderID identifies this process in lock metadata.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
