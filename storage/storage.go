// Package storage defines origin-scoped shared key/value storage. Every handle
// opened on the same origin sees the same keys, and each write made through
// one handle is reported to the watchers of every other handle.
package storage

import (
	"context"
	"encoding/json"

	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errs.ErrNotFound

// Change describes a write made through another handle.
type Change struct {
	Key     string
	Value   []byte
	Removed bool
}

type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error

	// Watch registers fn for changes made by other handles. Changes are
	// delivered in write order on a goroutine owned by the storage.
	Watch(fn func(Change)) (cancel func())
}

// GetJSON decodes the value at key into out. It returns false when the key
// is absent, and an error wrapping ErrStorageCorrupt when it cannot be decoded.
func GetJSON(ctx context.Context, s Storage, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "[storage.GetJSON] %s", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errs.Wrapf(errs.ErrStorageCorrupt, "[storage.GetJSON] %s: %v", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Storage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "[storage.SetJSON] %s", key)
	}
	return s.Set(ctx, key, raw)
}
