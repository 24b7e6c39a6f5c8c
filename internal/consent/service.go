// Package consent tracks per-author publication consent. A thread is only
// republished in full once its primary participants have opted in.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadpub/internal/kv"
)

// Decision is the outcome of a consent lookup.
type Decision int

const (
	// NotOptedIn means the author has not released their data; callers
	// must fall back to a bounded preview.
	NotOptedIn Decision = iota
	// Public means the author released their data for republication.
	Public
)

// Record is the persisted consent state for one author. Created at
// onboarding, mutated by visibility toggles, never deleted automatically.
type Record struct {
	Handle   string `json:"handle"`
	IsPublic bool   `json:"isPublic"`
}

const keyPrefix = "user:"

func key(handle string) string {
	return keyPrefix + strings.ToLower(strings.TrimPrefix(handle, "@"))
}

// Service reads and writes consent records in the key-value store.
type Service struct {
	store kv.Store
}

// New creates a consent service over the given store.
func New(store kv.Store) *Service {
	return &Service{store: store}
}

// Authorize reports whether the author's data may be republished in full.
// A missing record means not opted in; only a storage failure is an error.
func (s *Service) Authorize(ctx context.Context, handle string) (Decision, error) {
	if handle == "" {
		return NotOptedIn, nil
	}
	var rec Record
	err := s.store.Get(ctx, key(handle), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return NotOptedIn, nil
	}
	if err != nil {
		return NotOptedIn, fmt.Errorf("consent lookup %s: %w", handle, err)
	}
	if rec.IsPublic {
		return Public, nil
	}
	return NotOptedIn, nil
}

// SetPublic records the author's visibility choice. Records persist with
// no expiry.
func (s *Service) SetPublic(ctx context.Context, handle string, isPublic bool) error {
	rec := Record{
		Handle:   strings.TrimPrefix(handle, "@"),
		IsPublic: isPublic,
	}
	if err := s.store.Put(ctx, key(handle), rec, 0); err != nil {
		return fmt.Errorf("consent store %s: %w", handle, err)
	}
	return nil
}
