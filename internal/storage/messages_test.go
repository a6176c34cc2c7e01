package storage_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
	"github.com/providentiaww/identity-server/internal/storage"
)

func newRedisBackend(t *testing.T) (*storage.RedisMessageBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisMessageBackend(client), mr
}

func testProtector(t *testing.T) protect.Protector {
	t.Helper()
	key, err := protect.GenerateKey()
	require.NoError(t, err)
	p, err := protect.NewAESGCM(key, "messages")
	require.NoError(t, err)
	return p
}

func TestMessageStoreBackends(t *testing.T) {
	redisBackend, _ := newRedisBackend(t)
	backends := map[string]storage.MessageBackend{
		"redis":  redisBackend,
		"memory": storage.NewMemoryMessageBackend(),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMessageStore[oauth.AuthorizeMessage](backend, "authz:", time.Minute, testProtector(t))

			id := store.NewID()
			msg := oauth.AuthorizeMessage{
				ID:         id,
				Parameters: url.Values{"client_id": {"app"}, "scope": {"openid profile"}},
				CreatedAt:  time.Now().UTC(),
			}
			require.NoError(t, store.Write(ctx, id, msg))

			got, err := store.Read(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "openid profile", got.Parameters.Get("scope"))

			msg.Consent = &oauth.ConsentResponse{ScopesValuesConsented: []string{"openid"}}
			require.NoError(t, store.Write(ctx, id, msg))

			taken, err := store.Take(ctx, id)
			require.NoError(t, err)
			assert.True(t, taken.Consent.Granted())

			_, err = store.Read(ctx, id)
			assert.ErrorIs(t, err, oauth.ErrNotFound)
			_, err = store.Take(ctx, id)
			assert.ErrorIs(t, err, oauth.ErrNotFound)
		})
	}
}

func TestRedisMessageBackendExpiry(t *testing.T) {
	ctx := context.Background()
	backend, mr := newRedisBackend(t)
	store := storage.NewMessageStore[oauth.ErrorMessage](backend, "error:", time.Minute, nil)

	require.NoError(t, store.Write(ctx, "e1", oauth.ErrorMessage{ID: "e1", Error: oauth.ErrorUnauthorizedClient}))
	assert.True(t, mr.Exists("error:e1"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Read(ctx, "e1")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func TestMessageStoreRejectsForeignData(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryMessageBackend()
	require.NoError(t, backend.Put(ctx, "authz:x", []byte("not-protected"), time.Minute))

	store := storage.NewMessageStore[oauth.AuthorizeMessage](backend, "authz:", time.Minute, testProtector(t))
	_, err := store.Read(ctx, "x")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}
