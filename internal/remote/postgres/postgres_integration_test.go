package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adega/backend/internal/domain"
)

func TestPushFetchAndListen(t *testing.T) {
	databaseURL := os.Getenv("ADEGA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ADEGA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM adega_sync WHERE id = $1`, rowID)
		s.Close()
	})
	_, err = s.pool.Exec(ctx, `DELETE FROM adega_sync WHERE id = $1`, rowID)
	require.NoError(t, err)

	env, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, env)

	listenCtx, stopListening := context.WithCancel(ctx)
	received := make(chan domain.SyncEnvelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Listen(listenCtx, func(env domain.SyncEnvelope) {
			select {
			case received <- env:
			default:
			}
		})
	}()
	// give LISTEN time to register before pushing
	time.Sleep(300 * time.Millisecond)

	stamp := time.Now().UnixMilli()
	require.NoError(t, s.Push(ctx, domain.SyncEnvelope{
		Data: domain.Dataset{
			Suppliers: []domain.Supplier{{Meta: domain.Meta{ID: 1}, Name: "Importadora IT"}},
		},
		LastModified: stamp,
		DeviceID:     "device_it",
		Version:      stamp,
	}))

	env, err = s.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, stamp, env.LastModified)
	assert.Equal(t, "Importadora IT", env.Data.Suppliers[0].Name)

	select {
	case got := <-received:
		assert.Equal(t, "device_it", got.DeviceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime notification received")
	}

	stopListening()
	require.NoError(t, <-done)
}
