package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// RunRepositorySuite checks the behaviour every storage backend shares. open
// must return an empty repository; it is called once per subtest.
func RunRepositorySuite(t *testing.T, open func(t *testing.T) storage.Repository) {
	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

	t.Run("request round trip", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		req := SampleRequest("/Checkout", base)
		req.ProfilerErrors = []string{"method exit with no method entered"}
		require.NoError(t, repo.SaveRequest(ctx, req))
		// Saving again overwrites rather than failing.
		require.NoError(t, repo.SaveRequest(ctx, req))

		got, err := repo.GetRequest(ctx, req.ID)
		require.NoError(t, err)

		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, "/checkout", got.URL)
		assert.Equal(t, req.HTTPMethod, got.HTTPMethod)
		assert.True(t, req.CapturedOnUTC.Equal(got.CapturedOnUTC))
		assert.Equal(t, req.Server, got.Server)
		assert.Equal(t, req.ClientIP, got.ClientIP)
		assert.Equal(t, req.UserAgent, got.UserAgent)
		assert.Equal(t, req.StatusCode, got.StatusCode)
		assert.Equal(t, req.ElapsedMs, got.ElapsedMs)
		assert.Equal(t, req.ProfilerErrors, got.ProfilerErrors)

		require.Len(t, got.Methods, 1)
		handle := got.Methods[0]
		assert.Equal(t, "checkout.Handler.Handle", handle.Name)
		assert.Equal(t, int64(19), handle.ElapsedMs)
		require.Len(t, handle.Methods, 2)
		place := handle.Methods[0]
		assert.Same(t, handle, place.Parent())
		assert.True(t, place.ErrorInMethod)
		require.Len(t, place.LogMessages, 2)
		assert.Equal(t, calltree.LogMessage{Level: "error", Message: "inventory lookup failed", ElapsedMs: 6}, *place.LogMessages[1])
		assert.Equal(t, "cart.Store.Clear", handle.Methods[1].Name)
		assert.Equal(t, 3, got.MethodCount())
	})

	t.Run("missing records", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		_, err := repo.GetRequest(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetResponse(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteRequest(ctx, uuid.New()), storage.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteResponse(ctx, uuid.New()), storage.ErrNotFound)
	})

	t.Run("previews newest first", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			req := SampleRequest("/orders", base.Add(time.Duration(i)*time.Minute))
			req.ElapsedMs = int64(10 + i)
			require.NoError(t, repo.SaveRequest(ctx, req))
			ids = append(ids, req.ID)
		}
		require.NoError(t, repo.SaveRequest(ctx, SampleRequest("/cart", base.Add(time.Hour))))

		page, err := repo.PreviewsByURL(ctx, "/orders", storage.PageRequest{Number: 1, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 3, page.Pages())
		require.Len(t, page.Items, 2)
		assert.Equal(t, ids[4], page.Items[0].ID)
		assert.Equal(t, ids[3], page.Items[1].ID)
		assert.Equal(t, int64(14), page.Items[0].ElapsedMs)
		assert.Equal(t, 3, page.Items[0].MethodCount)
		assert.True(t, page.Items[0].HasErrors)

		page, err = repo.PreviewsByURL(ctx, "/orders", storage.PageRequest{Number: 3, Size: 2})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, ids[0], page.Items[0].ID)

		all, err := repo.PreviewsByURL(ctx, "", storage.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 6, all.Total)
		assert.Equal(t, "/cart", all.Items[0].URL)

		none, err := repo.PreviewsByURL(ctx, "/nothing", storage.PageRequest{})
		require.NoError(t, err)
		assert.Empty(t, none.Items)
		assert.Zero(t, none.Total)
	})

	t.Run("distinct urls", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		require.NoError(t, repo.SaveRequest(ctx, SampleRequest("/a", base)))
		require.NoError(t, repo.SaveRequest(ctx, SampleRequest("/a", base.Add(3*time.Minute))))
		require.NoError(t, repo.SaveRequest(ctx, SampleRequest("/b", base.Add(time.Minute))))

		page, err := repo.DistinctURLs(ctx, storage.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "/a", page.Items[0].URL)
		assert.Equal(t, 2, page.Items[0].Requests)
		assert.True(t, page.Items[0].MostRecentUTC.Equal(base.Add(3*time.Minute)))
		assert.Equal(t, "/b", page.Items[1].URL)
	})

	t.Run("delete requests", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		keep := SampleRequest("/keep", base)
		first := SampleRequest("/drop", base)
		second := SampleRequest("/drop", base.Add(time.Minute))
		for _, req := range []*calltree.Request{keep, first, second} {
			require.NoError(t, repo.SaveRequest(ctx, req))
		}

		require.NoError(t, repo.DeleteRequest(ctx, keep.ID))
		_, err := repo.GetRequest(ctx, keep.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		n, err := repo.DeleteRequestsByURL(ctx, "/DROP")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		page, err := repo.PreviewsByURL(ctx, "", storage.PageRequest{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)

		urls, err := repo.DistinctURLs(ctx, storage.PageRequest{})
		require.NoError(t, err)
		assert.Zero(t, urls.Total)
	})

	t.Run("long requests", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		for i := 0; i < 3; i++ {
			req := SampleRequest("/slow", base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, repo.SaveTimedRequest(ctx, SampleTimedRequest(req, int64(2000+i))))
		}

		page, err := repo.LongRequests(ctx, storage.PageRequest{Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, int64(2002), page.Items[0].ElapsedMs)
		assert.Equal(t, int64(1000), page.Items[0].ThresholdMs)
		assert.Equal(t, "/slow", page.Items[0].URL)

		n, err := repo.ClearLongRequests(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		page, err = repo.LongRequests(ctx, storage.PageRequest{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	})

	t.Run("responses", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		req := SampleRequest("/orders", base)
		resp := SampleResponse(req)
		require.NoError(t, repo.SaveResponse(ctx, resp))

		got, err := repo.GetResponse(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, resp.StatusCode, got.StatusCode)
		assert.Equal(t, resp.Body, got.Body)
		assert.Equal(t, resp.Collections, got.Collections)
		assert.True(t, resp.CapturedOnUTC.Equal(got.CapturedOnUTC))

		require.NoError(t, repo.DeleteResponse(ctx, req.ID))
		_, err = repo.GetResponse(ctx, req.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		other := SampleRequest("/orders", base.Add(time.Minute))
		require.NoError(t, repo.SaveResponse(ctx, SampleResponse(other)))
		n, err := repo.DeleteResponsesByURL(ctx, "/orders")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("urls to profile", func(t *testing.T) {
		repo := open(t)
		ctx := Context(t)

		for _, u := range []storage.URLToProfile{
			{URL: "/Orders", Enabled: true, UpdatedUTC: base},
			{URL: "/cart", Enabled: false, UpdatedUTC: base},
			{URL: "/admin", Enabled: true, UpdatedUTC: base},
		} {
			require.NoError(t, repo.SaveURLToProfile(ctx, &u))
		}

		got, err := repo.GetURLToProfile(ctx, "/orders")
		require.NoError(t, err)
		assert.Equal(t, "/orders", got.URL)
		assert.True(t, got.Enabled)
		assert.True(t, base.Equal(got.UpdatedUTC))

		enabled, err := repo.EnabledURLsToProfile(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"/admin", "/orders"}, enabled)

		page, err := repo.URLsToProfile(ctx, storage.PageRequest{Number: 1, Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "/admin", page.Items[0].URL)
		assert.Equal(t, "/cart", page.Items[1].URL)

		// Saving again overwrites the entry for the same URL.
		require.NoError(t, repo.SaveURLToProfile(ctx, &storage.URLToProfile{URL: "/orders", UpdatedUTC: base.Add(time.Hour)}))
		got, err = repo.GetURLToProfile(ctx, "/orders")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		enabled, err = repo.EnabledURLsToProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/admin"}, enabled)

		require.NoError(t, repo.DeleteURLToProfile(ctx, "/cart"))
		_, err = repo.GetURLToProfile(ctx, "/cart")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteURLToProfile(ctx, "/cart"), storage.ErrNotFound)

		page, err = repo.URLsToProfile(ctx, storage.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})
}
