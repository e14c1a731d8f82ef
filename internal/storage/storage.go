// Package storage defines the profile repository and connects it to the
// persistence queue. Backends live in subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// PageRequest selects one page of a listing. Pages are numbered from 1.
type PageRequest struct {
	Number int
	Size   int
}

// Normalize clamps the request to valid bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Size <= 0:
		p.Size = DefaultPageSize
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of items before this page.
func (p PageRequest) Offset() int {
	return (p.Number - 1) * p.Size
}

// Page is one page of a listing plus the total number of items.
type Page[T any] struct {
	Items  []T `json:"items"`
	Number int `json:"number"`
	Size   int `json:"size"`
	Total  int `json:"total"`
}

// Pages returns the number of pages needed for Total items.
func (p Page[T]) Pages() int {
	if p.Size <= 0 {
		return 0
	}
	return (p.Total + p.Size - 1) / p.Size
}

// NewPage wraps items for req, which must already be normalized.
func NewPage[T any](items []T, req PageRequest, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Number: req.Number, Size: req.Size, Total: total}
}

// Paginate slices a fully materialized, already ordered listing.
func Paginate[T any](all []T, req PageRequest) Page[T] {
	req = req.Normalize()
	start := min(req.Offset(), len(all))
	end := min(start+req.Size, len(all))
	return NewPage(append([]T(nil), all[start:end]...), req, len(all))
}

// URLSummary describes the profiles stored for one URL.
type URLSummary struct {
	URL           string    `json:"url"`
	Requests      int       `json:"requests"`
	MostRecentUTC time.Time `json:"most_recent_utc"`
}

// URLToProfile is a stored profiling target. While enabled, requests under
// URL are profiled in addition to the configured include paths.
type URLToProfile struct {
	URL        string    `json:"url"`
	Enabled    bool      `json:"enabled"`
	UpdatedUTC time.Time `json:"updated_utc"`
}

// Validate checks that the target is an absolute request path.
func (u *URLToProfile) Validate() error {
	if !strings.HasPrefix(u.URL, "/") {
		return fmt.Errorf("url to profile %q must start with /", u.URL)
	}
	return nil
}

// Writer commits captured telemetry. It is what the persistence worker
// drives. SaveURLToProfile overwrites any entry for the same URL.
type Writer interface {
	SaveRequest(ctx context.Context, req *calltree.Request) error
	SaveTimedRequest(ctx context.Context, t *capture.TimedRequest) error
	SaveResponse(ctx context.Context, resp *capture.Response) error
	SaveURLToProfile(ctx context.Context, u *URLToProfile) error
}

// Reader serves stored telemetry. Listings are newest first.
type Reader interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*calltree.Request, error)
	// PreviewsByURL lists request previews for url, or for every URL when
	// url is empty.
	PreviewsByURL(ctx context.Context, url string, page PageRequest) (Page[calltree.Preview], error)
	DistinctURLs(ctx context.Context, page PageRequest) (Page[URLSummary], error)
	LongRequests(ctx context.Context, page PageRequest) (Page[capture.TimedRequest], error)
	GetResponse(ctx context.Context, id uuid.UUID) (*capture.Response, error)
	// URLsToProfile lists every stored target ordered by URL.
	URLsToProfile(ctx context.Context, page PageRequest) (Page[URLToProfile], error)
	GetURLToProfile(ctx context.Context, url string) (*URLToProfile, error)
	// EnabledURLsToProfile returns the URLs of the enabled targets.
	EnabledURLsToProfile(ctx context.Context) ([]string, error)
}

// Deleter removes stored telemetry.
type Deleter interface {
	DeleteRequest(ctx context.Context, id uuid.UUID) error
	DeleteRequestsByURL(ctx context.Context, url string) (int64, error)
	ClearLongRequests(ctx context.Context) (int64, error)
	DeleteResponse(ctx context.Context, id uuid.UUID) error
	DeleteResponsesByURL(ctx context.Context, url string) (int64, error)
	DeleteURLToProfile(ctx context.Context, url string) error
}

// Repository is a complete storage backend.
type Repository interface {
	Writer
	Reader
	Deleter
	Close() error
}
