// Package device manages the identifier that tells this instance's writes
// apart from those made by other instances sharing the same remote data.
package device

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"adega/backend/internal/kv"
	"adega/backend/internal/store"
)

const idPrefix = "device_"

// Load returns the persisted device id, creating and storing one on first
// use.
func Load(ctx context.Context, kvStore kv.Store) (string, error) {
	raw, ok, err := kvStore.Get(ctx, store.KeyDeviceID)
	if err != nil {
		return "", errors.Wrap(err, "read device id")
	}
	if ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	id := NewID()
	if err := kvStore.Set(ctx, store.KeyDeviceID, []byte(id)); err != nil {
		return "", errors.Wrap(err, "persist device id")
	}
	return id, nil
}

func NewID() string {
	return idPrefix + uuid.NewString()
}
