package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/persistence"
	"github.com/coral-mesh/reqprof/internal/retry"
)

// HandlerConfig tunes the queue handlers built by Handlers.
type HandlerConfig struct {
	// Timeout bounds one save including retries. Zero means 10s.
	Timeout time.Duration
	Retry   retry.Policy
	Logger  zerolog.Logger
	// OnSaved is called after an item has been committed.
	OnSaved func(item persistence.Persistable)
}

// Handlers maps every persistable kind to a handler that saves it through w.
func Handlers(w Writer, cfg HandlerConfig) map[persistence.Kind]persistence.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger.With().Str("component", "storage_handlers").Logger()

	wrap := func(kind persistence.Kind, save func(context.Context, persistence.Persistable) error) persistence.Handler {
		return func(ctx context.Context, item persistence.Persistable) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			err := retry.Do(ctx, cfg.Retry, func(ctx context.Context) error {
				return save(ctx, item)
			}, IsTransient)
			if err != nil {
				return fmt.Errorf("save %s: %w", kind, err)
			}

			logger.Debug().Str("kind", string(kind)).Msg("Persisted item")
			if cfg.OnSaved != nil {
				cfg.OnSaved(item)
			}
			return nil
		}
	}

	return map[persistence.Kind]persistence.Handler{
		calltree.KindRequest: wrap(calltree.KindRequest, func(ctx context.Context, item persistence.Persistable) error {
			req, ok := item.(*calltree.Request)
			if !ok {
				return unexpected(item)
			}
			return w.SaveRequest(ctx, req)
		}),
		capture.KindTimedRequest: wrap(capture.KindTimedRequest, func(ctx context.Context, item persistence.Persistable) error {
			t, ok := item.(*capture.TimedRequest)
			if !ok {
				return unexpected(item)
			}
			return w.SaveTimedRequest(ctx, t)
		}),
		capture.KindResponse: wrap(capture.KindResponse, func(ctx context.Context, item persistence.Persistable) error {
			resp, ok := item.(*capture.Response)
			if !ok {
				return unexpected(item)
			}
			return w.SaveResponse(ctx, resp)
		}),
	}
}

// RegisterHandlers installs Handlers(w, cfg) on q.
func RegisterHandlers(q *persistence.Queue, w Writer, cfg HandlerConfig) {
	for kind, h := range Handlers(w, cfg) {
		q.Register(kind, h)
	}
}

func unexpected(item persistence.Persistable) error {
	return fmt.Errorf("unexpected payload type %T", item)
}

// IsTransient reports whether err looks like a temporary store or network
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
		return false
	}
	var transient interface{ Transient() bool }
	if errors.As(err, &transient) {
		return transient.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
