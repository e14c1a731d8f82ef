package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *staticSource) EnabledURLsToProfile(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...), s.err
}

func (s *staticSource) set(urls []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls, s.err = urls, err
}

func TestURLList_Refresh(t *testing.T) {
	src := &staticSource{urls: []string{"/orders"}}
	l := NewURLList(src, 0, zerolog.Nop())
	assert.Empty(t, l.URLs())

	require.NoError(t, l.Refresh(context.Background()))
	assert.Equal(t, []string{"/orders"}, l.URLs())

	src.set(nil, errors.New("connection refused"))
	err := l.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load urls to profile")
	assert.Equal(t, []string{"/orders"}, l.URLs(), "previous urls kept")

	var none *URLList
	assert.Nil(t, none.URLs())
}

func TestURLList_StartRefreshesUntilStopped(t *testing.T) {
	src := &staticSource{urls: []string{"/orders"}}
	l := NewURLList(src, 10*time.Millisecond, zerolog.Nop())

	l.Start(context.Background())
	l.Start(context.Background())
	assert.Equal(t, []string{"/orders"}, l.URLs())

	src.set([]string{"/orders", "/cart"}, nil)
	require.Eventually(t, func() bool { return len(l.URLs()) == 2 }, time.Second, 5*time.Millisecond)

	l.Stop()
	l.Stop()
	src.set(nil, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, l.URLs(), 2)
}

func TestURLList_StartRecoversFromFailedLoad(t *testing.T) {
	src := &staticSource{err: errors.New("boom")}
	l := NewURLList(src, 10*time.Millisecond, zerolog.Nop())

	l.Start(context.Background())
	defer l.Stop()
	assert.Empty(t, l.URLs())

	src.set([]string{"/orders"}, nil)
	require.Eventually(t, func() bool { return len(l.URLs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFilter_StoredURLs(t *testing.T) {
	src := &staticSource{}
	urls := NewURLList(src, time.Minute, zerolog.Nop())
	get := func(path string) *http.Request { return httptest.NewRequest(http.MethodGet, path, nil) }

	f := NewFilter(FilterConfig{URLs: urls})
	require.NoError(t, urls.Refresh(context.Background()))
	assert.True(t, f.ShouldProfile(get("/home")), "no include list profiles everything")

	src.set([]string{"/orders"}, nil)
	require.NoError(t, urls.Refresh(context.Background()))
	assert.True(t, f.ShouldProfile(get("/orders/42")))
	assert.True(t, f.ShouldProfile(get("/Orders")))
	assert.False(t, f.ShouldProfile(get("/home")))

	withStatic := NewFilter(FilterConfig{IncludePaths: []string{"/api"}, URLs: urls})
	assert.True(t, withStatic.ShouldProfile(get("/api/x")))
	assert.True(t, withStatic.ShouldProfile(get("/orders/1")))
	assert.False(t, withStatic.ShouldProfile(get("/home")))
}
