package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AcquisitionError is returned when a lock could not be acquired within
// the caller's timeout window, typically because another deployment is
// already in flight for the same target.
type AcquisitionError struct {
	Key     string
	Timeout time.Duration
}

func (e *AcquisitionError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("lock %q not acquired within %s", e.Key, e.Timeout)
	}
	return fmt.Sprintf("lock %q is held by another owner", e.Key)
}

// IsAcquisitionError reports whether err is (or wraps) an AcquisitionError.
func IsAcquisitionError(err error) bool {
	var acquisitionErr *AcquisitionError
	return errors.As(err, &acquisitionErr)
}

// Lock is a fencing-token lease over a single key in a shared Store.
// A Lock is scoped to one acquisition attempt: its token is generated at
// construction and never reused, so two Lock values never alias each
// other's ownership. Not safe for concurrent use by multiple goroutines.
type Lock struct {
	store Store
	key   string
	token string
	ttl   time.Duration
	poll  time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL overrides the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) { l.ttl = ttl }
}

// WithPollInterval overrides the retry interval used while waiting for a
// held lock.
func WithPollInterval(interval time.Duration) Option {
	return func(l *Lock) { l.poll = interval }
}

const (
	defaultTTL          = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// New creates a lock over key with a freshly generated token.
func New(store Store, key string, opts ...Option) *Lock {
	l := &Lock{
		store: store,
		key:   key,
		token: uuid.NewString(),
		ttl:   defaultTTL,
		poll:  defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Token returns this holder's fencing token.
func (l *Lock) Token() string {
	return l.token
}

// Key returns the lock key.
func (l *Lock) Key() string {
	return l.key
}

// Acquire attempts to take the lock. With timeout <= 0 exactly one
// attempt is made. Otherwise attempts are repeated on the poll interval
// until one succeeds or the elapsed time exceeds timeout, in which case
// false is returned. Acquire never blocks past the timeout or a cancelled
// context.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	acquired, err := l.store.AcquireIfAbsent(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", l.key, err)
	}
	if acquired || timeout <= 0 {
		return acquired, nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false, nil
			}
			acquired, err := l.store.AcquireIfAbsent(ctx, l.key, l.token, l.ttl)
			if err != nil {
				return false, fmt.Errorf("failed to acquire lock %q: %w", l.key, err)
			}
			if acquired {
				return true, nil
			}
		}
	}
}

// Release atomically deletes the lock key if it is still held by our
// token. Returns false when the token no longer matched, which means the
// lease expired and may have been taken by another holder; that is
// reported, not escalated.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	released, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", l.key, err)
	}
	if !released {
		slog.Warn("Lock release skipped, token no longer holds the lease",
			"key", l.key,
		)
	}
	return released, nil
}

// Extend atomically resets the lease TTL to additional from now if the
// lock is still held by our token.
func (l *Lock) Extend(ctx context.Context, additional time.Duration) (bool, error) {
	extended, err := l.store.CompareAndExtend(ctx, l.key, l.token, additional)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %q: %w", l.key, err)
	}
	return extended, nil
}

// IsLocked reports whether any holder currently owns the key.
func (l *Lock) IsLocked(ctx context.Context) (bool, error) {
	holder, err := l.store.Holder(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock %q: %w", l.key, err)
	}
	return holder != "", nil
}

// Holder returns the token currently owning the key, or the empty string
// when unheld. Read-only, no ownership semantics.
func (l *Lock) Holder(ctx context.Context) (string, error) {
	holder, err := l.store.Holder(ctx, l.key)
	if err != nil {
		return "", fmt.Errorf("failed to inspect lock %q: %w", l.key, err)
	}
	return holder, nil
}

// IsHeldByUs reports whether the stored token still equals our token.
func (l *Lock) IsHeldByUs(ctx context.Context) (bool, error) {
	holder, err := l.store.Holder(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock %q: %w", l.key, err)
	}
	return holder == l.token, nil
}

// Do acquires the lock, runs fn, and releases the lock exactly once on
// every exit path, including a panicking fn. When the lock cannot be
// acquired within timeout, Do returns an AcquisitionError without
// invoking fn.
func (l *Lock) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	acquired, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	if !acquired {
		return &AcquisitionError{Key: l.key, Timeout: timeout}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.Release(releaseCtx); err != nil {
			slog.Error("Failed to release lock",
				"key", l.key,
				"error", err,
			)
		}
	}()

	return fn(ctx)
}
