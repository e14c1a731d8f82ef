package redis

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/storage"
	"github.com/coral-mesh/reqprof/internal/testutil"
)

const addrEnv = "REQPROF_TEST_REDIS_ADDR"

// openStore gives every subtest its own key prefix and removes the keys it
// wrote afterwards.
func openStore(t *testing.T) storage.Repository {
	t.Helper()
	addr := os.Getenv(addrEnv)
	if addr == "" {
		t.Skipf("%s not set", addrEnv)
	}

	ctx := testutil.Context(t)
	prefix := "reqprof-test:" + uuid.NewString() + ":"
	s, err := Open(ctx, Options{Addr: addr, Prefix: prefix}, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		defer func() { _ = s.Close() }()
		iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = s.client.Del(ctx, iter.Val()).Err()
		}
	})
	return s
}

func TestStore_Repository(t *testing.T) {
	if os.Getenv(addrEnv) == "" {
		t.Skipf("%s not set", addrEnv)
	}
	testutil.RunRepositorySuite(t, openStore)
}

// openMini runs the store against an in-process server.
func openMini(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "", zerolog.Nop())
	s.ttl = ttl
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_RepositoryInProcess(t *testing.T) {
	testutil.RunRepositorySuite(t, func(t *testing.T) storage.Repository {
		s, _ := openMini(t, 0)
		return s
	})
}

func TestStore_RepositoryInProcessWithTTL(t *testing.T) {
	testutil.RunRepositorySuite(t, func(t *testing.T) storage.Repository {
		s, _ := openMini(t, time.Hour)
		return s
	})
}

func TestStore_TTLPrunesIndexes(t *testing.T) {
	s, mr := openMini(t, time.Minute)
	clock := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := testutil.Context(t)

	base := clock.Add(-time.Hour)
	for i := range 3 {
		req := testutil.SampleRequest("/orders", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.SaveRequest(ctx, req))
		require.NoError(t, s.SaveTimedRequest(ctx, testutil.SampleTimedRequest(req, 2500)))
		require.NoError(t, s.SaveResponse(ctx, testutil.SampleResponse(req)))
	}

	previews, err := s.PreviewsByURL(ctx, "", storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, previews.Total)
	assert.Len(t, previews.Items, 3)

	mr.FastForward(2 * time.Minute)
	clock = clock.Add(2 * time.Minute)

	previews, err = s.PreviewsByURL(ctx, "", storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, previews.Total)
	assert.Empty(t, previews.Items)

	byURL, err := s.PreviewsByURL(ctx, "/orders", storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, byURL.Total)

	urls, err := s.DistinctURLs(ctx, storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, urls.Total)

	long, err := s.LongRequests(ctx, storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, long.Total)

	responses, err := s.client.SCard(ctx, s.keys.urlResponses("/orders")).Result()
	require.NoError(t, err)
	assert.Zero(t, responses)
	pending, err := s.client.ZCard(ctx, s.keys.expiry()).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)

	// A record saved after the others expired is listed on its own.
	fresh := testutil.SampleRequest("/orders", clock)
	require.NoError(t, s.SaveRequest(ctx, fresh))
	previews, err = s.PreviewsByURL(ctx, "/orders", storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, previews.Total)
	require.Len(t, previews.Items, 1)
	assert.Equal(t, fresh.ID, previews.Items[0].ID)

	urls, err = s.DistinctURLs(ctx, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, urls.Items, 1)
	assert.Equal(t, 1, urls.Items[0].Requests)
}

func TestStore_NoTTLKeepsIndexes(t *testing.T) {
	s, mr := openMini(t, 0)
	ctx := testutil.Context(t)

	require.NoError(t, s.SaveRequest(ctx, testutil.SampleRequest("/orders", time.Now())))
	mr.FastForward(24 * time.Hour)

	previews, err := s.PreviewsByURL(ctx, "", storage.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, previews.Total)
	assert.False(t, mr.Exists(s.keys.expiry()))
}

func TestExpiring(t *testing.T) {
	assert.Equal(t, "request|abc|/a|b", expiring(kindRequest, "abc", "/a|b"))
	assert.Equal(t, "timed|abc|", expiring(kindTimed, "abc", ""))
}

func TestKeys(t *testing.T) {
	k := keys{prefix: DefaultPrefix}

	assert.Equal(t, "reqprof:request:abc", k.request("abc"))
	assert.Equal(t, "reqprof:preview:abc", k.preview("abc"))
	assert.Equal(t, "reqprof:requests", k.requests())
	assert.Equal(t, k.urlRequests("/Orders/42"), k.urlRequests("/orders/42"))
	assert.NotEqual(t, k.urlRequests("/orders/42"), k.urlRequests("/orders/43"))
	assert.NotEqual(t, k.urlRequests("/orders"), k.urlResponses("/orders"))
	assert.NotContains(t, k.urlRequests("/orders?id=1 2"), " ")
}

func TestNew_DefaultPrefix(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	s := New(client, "", zerolog.Nop())
	assert.Equal(t, DefaultPrefix, s.keys.prefix)

	s = New(client, "custom:", zerolog.Nop())
	assert.Equal(t, "custom:request:x", s.keys.request("x"))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.True(t, errors.Is(classify(goredis.Nil), goredis.Nil))
	assert.False(t, storage.IsTransient(classify(goredis.Nil)))
	assert.True(t, storage.IsTransient(classify(errors.New("LOADING Redis is loading the dataset in memory"))))
	assert.True(t, storage.IsTransient(classify(errors.New("TRYAGAIN multiple keys request during rehashing"))))
	assert.False(t, storage.IsTransient(classify(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"))))
}

func TestNotFound(t *testing.T) {
	id := uuid.New()
	err := notFound(goredis.Nil, "request", id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), id.String())

	other := errors.New("boom")
	assert.ErrorIs(t, notFound(other, "request", id), other)
}
