package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adega/backend/internal/domain"
)

type fakeCloud struct {
	mu    sync.Mutex
	token string
	env   []byte
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != EnvelopePath {
		http.NotFound(w, r)
		return
	}
	if f.token != "" && r.Header.Get(TokenHeader) != f.token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if f.env == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(f.env)
	case http.MethodPut:
		var env domain.SyncEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.env, _ = json.Marshal(env)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(&fakeCloud{token: "secret"})
	defer srv.Close()
	ctx := context.Background()
	c := New(srv.URL+"/", WithToken("secret"))

	env, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, env)

	require.NoError(t, c.Push(ctx, domain.SyncEnvelope{
		Data:         domain.Dataset{Products: []domain.Product{{Meta: domain.Meta{ID: 1}, Code: "V001"}}},
		LastModified: 77,
		DeviceID:     "device_x",
		Version:      78,
	}))

	env, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, int64(77), env.LastModified)
	assert.Equal(t, int64(78), env.Version)
	assert.Equal(t, "V001", env.Data.Products[0].Code)
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeCloud{token: "secret"})
	defer srv.Close()
	c := New(srv.URL, WithToken("wrong"), WithHTTPClient(srv.Client()))

	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	err = c.Push(context.Background(), domain.SyncEnvelope{})
	require.Error(t, err)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Fetch(context.Background())
	assert.Error(t, err)
}
