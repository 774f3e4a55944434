package device

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adega/backend/internal/kv"
	"adega/backend/internal/store"
)

func TestLoadCreatesOnceAndReuses(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory(kv.DefaultPrefix)

	first, err := Load(ctx, mem)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "device_"), first)

	second, err := Load(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := Load(ctx, kv.NewMemory(kv.DefaultPrefix))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestLoadReplacesBlankID(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory(kv.DefaultPrefix)
	require.NoError(t, mem.Set(ctx, store.KeyDeviceID, []byte("  ")))

	id, err := Load(ctx, mem)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(id))

	raw, ok, err := mem.Get(ctx, store.KeyDeviceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, string(raw))
}
