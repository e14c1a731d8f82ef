package httpx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// URLSource returns the enabled stored URLs to profile.
// storage.Repository implements it.
type URLSource interface {
	EnabledURLsToProfile(ctx context.Context) ([]string, error)
}

// URLList keeps a copy of the enabled stored URLs in memory so the filter
// never reads storage while serving a request. Start reloads it on an
// interval.
type URLList struct {
	source   URLSource
	interval time.Duration
	logger   zerolog.Logger
	urls     atomic.Pointer[[]string]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewURLList creates an empty list. An interval of zero means 30s.
func NewURLList(source URLSource, interval time.Duration, logger zerolog.Logger) *URLList {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &URLList{
		source:   source,
		interval: interval,
		logger:   logger.With().Str("component", "url_list").Logger(),
	}
}

// URLs returns the cached URLs. A nil list has none.
func (l *URLList) URLs() []string {
	if l == nil {
		return nil
	}
	if urls := l.urls.Load(); urls != nil {
		return *urls
	}
	return nil
}

// Refresh reloads the list. The previous URLs stay in place on error.
func (l *URLList) Refresh(ctx context.Context) error {
	urls, err := l.source.EnabledURLsToProfile(ctx)
	if err != nil {
		return fmt.Errorf("load urls to profile: %w", err)
	}
	l.urls.Store(&urls)
	l.logger.Debug().Int("urls", len(urls)).Msg("Refreshed URLs to profile")
	return nil
}

// Start loads the list once, then keeps refreshing it until Stop. A failed
// first load leaves the list empty until a later refresh succeeds.
func (l *URLList) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to load URLs to profile")
	}

	ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.wg.Add(1)
	go l.loop(ctx)

	l.running = true
}

// Stop ends the refresh loop and waits for it.
func (l *URLList) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.running = false
}

func (l *URLList) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, l.interval)
			if err := l.Refresh(refreshCtx); err != nil {
				l.logger.Warn().Err(err).Msg("Failed to refresh URLs to profile")
			}
			cancel()
		}
	}
}
