// Package duckdb is the embedded storage backend. Profiles live in a local
// DuckDB file, or in memory when no path is configured.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/duckdb"
	cerrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/internal/storage"
)

const schema = `
	CREATE TABLE IF NOT EXISTS profiled_requests (
		id              VARCHAR PRIMARY KEY,
		url             VARCHAR NOT NULL,
		http_method     VARCHAR NOT NULL,
		captured_on_utc TIMESTAMP NOT NULL,
		server          VARCHAR NOT NULL,
		client_ip       VARCHAR NOT NULL,
		user_agent      VARCHAR NOT NULL,
		ajax            BOOLEAN NOT NULL,
		status_code     INTEGER NOT NULL,
		elapsed_ms      BIGINT NOT NULL,
		method_count    INTEGER NOT NULL,
		has_errors      BOOLEAN NOT NULL,
		tree            VARCHAR NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timed_requests (
		id              VARCHAR PRIMARY KEY,
		request_id      VARCHAR NOT NULL,
		url             VARCHAR NOT NULL,
		http_method     VARCHAR NOT NULL,
		server          VARCHAR NOT NULL,
		status_code     INTEGER NOT NULL,
		captured_on_utc TIMESTAMP NOT NULL,
		elapsed_ms      BIGINT NOT NULL,
		threshold_ms    BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiled_responses (
		id              VARCHAR PRIMARY KEY,
		url             VARCHAR NOT NULL,
		captured_on_utc TIMESTAMP NOT NULL,
		status_code     INTEGER NOT NULL,
		collections     VARCHAR NOT NULL,
		body            VARCHAR NOT NULL,
		body_truncated  BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS urls_to_profile (
		url         VARCHAR PRIMARY KEY,
		enabled     BOOLEAN NOT NULL,
		updated_utc TIMESTAMP NOT NULL
	);
`

type requestRow struct {
	ID            string    `duckdb:"id,pk"`
	URL           string    `duckdb:"url,immutable"`
	HTTPMethod    string    `duckdb:"http_method"`
	CapturedOnUTC time.Time `duckdb:"captured_on_utc,immutable"`
	Server        string    `duckdb:"server"`
	ClientIP      string    `duckdb:"client_ip"`
	UserAgent     string    `duckdb:"user_agent"`
	Ajax          bool      `duckdb:"ajax"`
	StatusCode    int       `duckdb:"status_code"`
	ElapsedMs     int64     `duckdb:"elapsed_ms"`
	MethodCount   int       `duckdb:"method_count"`
	HasErrors     bool      `duckdb:"has_errors"`
	Tree          string    `duckdb:"tree"`
}

// tree is the JSON document stored in the tree column.
type tree struct {
	Methods        []*calltree.Method `json:"methods,omitempty"`
	ProfilerErrors []string           `json:"profiler_errors,omitempty"`
}

type timedRow struct {
	ID            string    `duckdb:"id,pk"`
	RequestID     string    `duckdb:"request_id"`
	URL           string    `duckdb:"url"`
	HTTPMethod    string    `duckdb:"http_method"`
	Server        string    `duckdb:"server"`
	StatusCode    int       `duckdb:"status_code"`
	CapturedOnUTC time.Time `duckdb:"captured_on_utc"`
	ElapsedMs     int64     `duckdb:"elapsed_ms"`
	ThresholdMs   int64     `duckdb:"threshold_ms"`
}

type responseRow struct {
	ID            string    `duckdb:"id,pk"`
	URL           string    `duckdb:"url"`
	CapturedOnUTC time.Time `duckdb:"captured_on_utc"`
	StatusCode    int       `duckdb:"status_code"`
	Collections   string    `duckdb:"collections"`
	Body          string    `duckdb:"body"`
	BodyTruncated bool      `duckdb:"body_truncated"`
}

type targetRow struct {
	URL        string    `duckdb:"url,pk"`
	Enabled    bool      `duckdb:"enabled"`
	UpdatedUTC time.Time `duckdb:"updated_utc"`
}

func (r *targetRow) target() storage.URLToProfile {
	return storage.URLToProfile{URL: r.URL, Enabled: r.Enabled, UpdatedUTC: r.UpdatedUTC.UTC()}
}

// Store implements storage.Repository on DuckDB.
type Store struct {
	db        *sql.DB
	logger    zerolog.Logger
	requests  *duckdb.Table[requestRow]
	timed     *duckdb.Table[timedRow]
	responses *duckdb.Table[responseRow]
	targets   *duckdb.Table[targetRow]
}

var _ storage.Repository = (*Store)(nil)

// Open opens the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	db, err := duckdb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info().Str("path", path).Bool("in_memory", duckdb.InMemory(path)).Msg("DuckDB storage opened")
	return s, nil
}

// New wraps an open database.
func New(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{
		db:        db,
		logger:    logger.With().Str("component", "duckdb_storage").Logger(),
		requests:  duckdb.NewTable[requestRow](db, "profiled_requests"),
		timed:     duckdb.NewTable[timedRow](db, "timed_requests"),
		responses: duckdb.NewTable[responseRow](db, "profiled_responses"),
		targets:   duckdb.NewTable[targetRow](db, "urls_to_profile"),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveRequest(ctx context.Context, req *calltree.Request) error {
	doc, err := json.Marshal(tree{Methods: req.Methods, ProfilerErrors: req.ProfilerErrors})
	if err != nil {
		return fmt.Errorf("failed to encode call tree: %w", err)
	}
	preview := req.Preview()
	row := &requestRow{
		ID:            req.ID.String(),
		URL:           calltree.NormalizeURL(req.URL),
		HTTPMethod:    req.HTTPMethod,
		CapturedOnUTC: req.CapturedOnUTC.UTC(),
		Server:        req.Server,
		ClientIP:      req.ClientIP,
		UserAgent:     req.UserAgent,
		Ajax:          req.Ajax,
		StatusCode:    req.StatusCode,
		ElapsedMs:     req.ElapsedMs,
		MethodCount:   preview.MethodCount,
		HasErrors:     preview.HasErrors,
		Tree:          string(doc),
	}
	if err := s.requests.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to store request %s: %w", req.ID, classify(err))
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*calltree.Request, error) {
	row, err := s.requests.Get(ctx, id.String())
	if err != nil {
		return nil, notFound(err, "request", id)
	}

	var doc tree
	if err := json.Unmarshal([]byte(row.Tree), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode call tree of %s: %w", id, err)
	}
	req := &calltree.Request{
		ID:             id,
		URL:            row.URL,
		HTTPMethod:     row.HTTPMethod,
		CapturedOnUTC:  row.CapturedOnUTC.UTC(),
		Server:         row.Server,
		ClientIP:       row.ClientIP,
		UserAgent:      row.UserAgent,
		Ajax:           row.Ajax,
		StatusCode:     row.StatusCode,
		ElapsedMs:      row.ElapsedMs,
		Methods:        doc.Methods,
		ProfilerErrors: doc.ProfilerErrors,
	}
	req.Link()
	return req, nil
}

func (s *Store) PreviewsByURL(ctx context.Context, url string, page storage.PageRequest) (storage.Page[calltree.Preview], error) {
	page = page.Normalize()

	// Count and page from one snapshot.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Page[calltree.Preview]{}, fmt.Errorf("failed to begin read: %w", err)
	}
	defer cerrors.DeferRollback(s.logger, tx)

	requests := s.requests.WithTx(tx)
	q := requests.Select().Eq("url", calltree.NormalizeURL(url))

	total, err := requests.Count(ctx, q)
	if err != nil {
		return storage.Page[calltree.Preview]{}, err
	}
	rows, err := requests.Query(ctx, q.OrderBy("-captured_on_utc", "id").Limit(page.Size).Offset(page.Offset()))
	if err != nil {
		return storage.Page[calltree.Preview]{}, err
	}

	items := make([]calltree.Preview, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return storage.Page[calltree.Preview]{}, fmt.Errorf("invalid request id %q: %w", row.ID, err)
		}
		items = append(items, calltree.Preview{
			ID:            id,
			URL:           row.URL,
			HTTPMethod:    row.HTTPMethod,
			CapturedOnUTC: row.CapturedOnUTC.UTC(),
			ElapsedMs:     row.ElapsedMs,
			StatusCode:    row.StatusCode,
			Server:        row.Server,
			MethodCount:   row.MethodCount,
			HasErrors:     row.HasErrors,
		})
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) DistinctURLs(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLSummary], error) {
	page = page.Normalize()
	b := duckdb.NewQueryBuilder(s.requests.Name()).
		Select("url", "count(*) AS requests", "max(captured_on_utc) AS most_recent").
		GroupBy("url")

	total, err := s.requests.Count(ctx, b)
	if err != nil {
		return storage.Page[storage.URLSummary]{}, err
	}

	query, args := b.OrderBy("-most_recent", "url").Limit(page.Size).Offset(page.Offset()).MustBuild()
	s.logger.Trace().Str("query", duckdb.InterpolateQuery(query, args)).Msg("Listing distinct URLs")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.Page[storage.URLSummary]{}, fmt.Errorf("failed to list urls: %w", err)
	}
	defer cerrors.DeferClose(s.logger, rows, "failed to close url rows")

	var items []storage.URLSummary
	for rows.Next() {
		var u storage.URLSummary
		if err := rows.Scan(&u.URL, &u.Requests, &u.MostRecentUTC); err != nil {
			return storage.Page[storage.URLSummary]{}, fmt.Errorf("failed to scan url summary: %w", err)
		}
		u.MostRecentUTC = u.MostRecentUTC.UTC()
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return storage.Page[storage.URLSummary]{}, err
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	removed, err := s.requests.Delete(ctx, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete request %s: %w", id, classify(err))
	}
	if !removed {
		return fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRequestsByURL(ctx context.Context, url string) (int64, error) {
	n, err := s.requests.DeleteWhere(ctx, "url = ?", calltree.NormalizeURL(url))
	return n, classify(err)
}

func (s *Store) SaveTimedRequest(ctx context.Context, t *capture.TimedRequest) error {
	row := &timedRow{
		ID:            t.ID.String(),
		RequestID:     t.RequestID.String(),
		URL:           calltree.NormalizeURL(t.URL),
		HTTPMethod:    t.HTTPMethod,
		Server:        t.Server,
		StatusCode:    t.StatusCode,
		CapturedOnUTC: t.CapturedOnUTC.UTC(),
		ElapsedMs:     t.ElapsedMs,
		ThresholdMs:   t.ThresholdMs,
	}
	if err := s.timed.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to store timed request %s: %w", t.ID, classify(err))
	}
	return nil
}

func (s *Store) LongRequests(ctx context.Context, page storage.PageRequest) (storage.Page[capture.TimedRequest], error) {
	page = page.Normalize()
	q := s.timed.Select()

	total, err := s.timed.Count(ctx, q)
	if err != nil {
		return storage.Page[capture.TimedRequest]{}, err
	}
	rows, err := s.timed.Query(ctx, q.OrderBy("-captured_on_utc", "id").Limit(page.Size).Offset(page.Offset()))
	if err != nil {
		return storage.Page[capture.TimedRequest]{}, err
	}

	items := make([]capture.TimedRequest, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return storage.Page[capture.TimedRequest]{}, fmt.Errorf("invalid timed request id %q: %w", row.ID, err)
		}
		requestID, _ := uuid.Parse(row.RequestID)
		items = append(items, capture.TimedRequest{
			ID:            id,
			RequestID:     requestID,
			URL:           row.URL,
			HTTPMethod:    row.HTTPMethod,
			Server:        row.Server,
			StatusCode:    row.StatusCode,
			CapturedOnUTC: row.CapturedOnUTC.UTC(),
			ElapsedMs:     row.ElapsedMs,
			ThresholdMs:   row.ThresholdMs,
		})
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) ClearLongRequests(ctx context.Context) (int64, error) {
	n, err := s.timed.DeleteWhere(ctx, "")
	return n, classify(err)
}

func (s *Store) SaveResponse(ctx context.Context, resp *capture.Response) error {
	collections, err := json.Marshal(resp.Collections)
	if err != nil {
		return fmt.Errorf("failed to encode response collections: %w", err)
	}
	row := &responseRow{
		ID:            resp.ID.String(),
		URL:           calltree.NormalizeURL(resp.URL),
		CapturedOnUTC: resp.CapturedOnUTC.UTC(),
		StatusCode:    resp.StatusCode,
		Collections:   string(collections),
		Body:          resp.Body,
		BodyTruncated: resp.BodyTruncated,
	}
	if err := s.responses.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to store response %s: %w", resp.ID, classify(err))
	}
	return nil
}

func (s *Store) GetResponse(ctx context.Context, id uuid.UUID) (*capture.Response, error) {
	row, err := s.responses.Get(ctx, id.String())
	if err != nil {
		return nil, notFound(err, "response", id)
	}
	resp := &capture.Response{
		ID:            id,
		URL:           row.URL,
		CapturedOnUTC: row.CapturedOnUTC.UTC(),
		StatusCode:    row.StatusCode,
		Body:          row.Body,
		BodyTruncated: row.BodyTruncated,
	}
	if err := json.Unmarshal([]byte(row.Collections), &resp.Collections); err != nil {
		return nil, fmt.Errorf("failed to decode response collections of %s: %w", id, err)
	}
	return resp, nil
}

func (s *Store) DeleteResponse(ctx context.Context, id uuid.UUID) error {
	removed, err := s.responses.Delete(ctx, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete response %s: %w", id, classify(err))
	}
	if !removed {
		return fmt.Errorf("response %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteResponsesByURL(ctx context.Context, url string) (int64, error) {
	n, err := s.responses.DeleteWhere(ctx, "url = ?", calltree.NormalizeURL(url))
	return n, classify(err)
}

func (s *Store) SaveURLToProfile(ctx context.Context, u *storage.URLToProfile) error {
	row := &targetRow{
		URL:        calltree.NormalizeURL(u.URL),
		Enabled:    u.Enabled,
		UpdatedUTC: u.UpdatedUTC.UTC(),
	}
	if err := s.targets.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to store url to profile %s: %w", row.URL, classify(err))
	}
	return nil
}

func (s *Store) URLsToProfile(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLToProfile], error) {
	page = page.Normalize()
	q := s.targets.Select()

	total, err := s.targets.Count(ctx, q)
	if err != nil {
		return storage.Page[storage.URLToProfile]{}, err
	}
	rows, err := s.targets.Query(ctx, q.OrderBy("url").Limit(page.Size).Offset(page.Offset()))
	if err != nil {
		return storage.Page[storage.URLToProfile]{}, err
	}

	items := make([]storage.URLToProfile, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.target())
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) GetURLToProfile(ctx context.Context, url string) (*storage.URLToProfile, error) {
	url = calltree.NormalizeURL(url)
	row, err := s.targets.Get(ctx, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load url to profile %s: %w", url, err)
	}
	u := row.target()
	return &u, nil
}

func (s *Store) EnabledURLsToProfile(ctx context.Context) ([]string, error) {
	rows, err := s.targets.Query(ctx, s.targets.Select().Eq("enabled", true).OrderBy("url"))
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(rows))
	for _, row := range rows {
		urls = append(urls, row.URL)
	}
	return urls, nil
}

func (s *Store) DeleteURLToProfile(ctx context.Context, url string) error {
	url = calltree.NormalizeURL(url)
	removed, err := s.targets.Delete(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to delete url to profile %s: %w", url, classify(err))
	}
	if !removed {
		return fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
	}
	return nil
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

// classify marks write-write conflicts as transient so the storage handlers
// retry them.
func classify(err error) error {
	if duckdb.IsConflict(err) {
		return storage.Transient(err)
	}
	return err
}
