// Package postgres is the shared storage backend for fleets of profiled
// servers writing into one PostgreSQL database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	cerrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// Store implements storage.Repository on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ storage.Repository = (*Store)(nil)

// Open migrates the database at dsn and connects a pool to it.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "postgres_storage").Logger()

	if err := Migrate(ctx, dsn, logger); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(pool, logger), nil
}

// New wraps a pool whose database is already migrated.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type tree struct {
	Methods        []*calltree.Method `json:"methods,omitempty"`
	ProfilerErrors []string           `json:"profiler_errors,omitempty"`
}

func (s *Store) SaveRequest(ctx context.Context, req *calltree.Request) error {
	doc, err := json.Marshal(tree{Methods: req.Methods, ProfilerErrors: req.ProfilerErrors})
	if err != nil {
		return fmt.Errorf("encode call tree: %w", err)
	}
	preview := req.Preview()

	const query = `INSERT INTO profiled_requests
		(id, url, http_method, captured_on_utc, server, client_ip, user_agent, ajax,
		 status_code, elapsed_ms, method_count, has_errors, tree)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			http_method = EXCLUDED.http_method,
			server = EXCLUDED.server,
			client_ip = EXCLUDED.client_ip,
			user_agent = EXCLUDED.user_agent,
			ajax = EXCLUDED.ajax,
			status_code = EXCLUDED.status_code,
			elapsed_ms = EXCLUDED.elapsed_ms,
			method_count = EXCLUDED.method_count,
			has_errors = EXCLUDED.has_errors,
			tree = EXCLUDED.tree`
	_, err = s.pool.Exec(ctx, query,
		req.ID, calltree.NormalizeURL(req.URL), req.HTTPMethod, req.CapturedOnUTC.UTC(),
		req.Server, req.ClientIP, req.UserAgent, req.Ajax,
		req.StatusCode, req.ElapsedMs, preview.MethodCount, preview.HasErrors, doc)
	return classify(err)
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*calltree.Request, error) {
	const query = `SELECT url, http_method, captured_on_utc, server, client_ip, user_agent, ajax,
		status_code, elapsed_ms, tree
		FROM profiled_requests WHERE id = $1`

	req := &calltree.Request{ID: id}
	var doc []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&req.URL, &req.HTTPMethod, &req.CapturedOnUTC, &req.Server, &req.ClientIP, &req.UserAgent, &req.Ajax,
		&req.StatusCode, &req.ElapsedMs, &doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
		}
		return nil, classify(err)
	}

	var t tree
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode call tree of %s: %w", id, err)
	}
	req.CapturedOnUTC = req.CapturedOnUTC.UTC()
	req.Methods = t.Methods
	req.ProfilerErrors = t.ProfilerErrors
	req.Link()
	return req, nil
}

func (s *Store) PreviewsByURL(ctx context.Context, url string, page storage.PageRequest) (storage.Page[calltree.Preview], error) {
	page = page.Normalize()
	url = calltree.NormalizeURL(url)

	var (
		total int
		items []calltree.Preview
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		const count = `SELECT count(*) FROM profiled_requests WHERE $1 = '' OR url = $1`
		if err := tx.QueryRow(ctx, count, url).Scan(&total); err != nil {
			return err
		}

		const query = `SELECT id, url, http_method, captured_on_utc, elapsed_ms, status_code, server,
			method_count, has_errors
			FROM profiled_requests
			WHERE $1 = '' OR url = $1
			ORDER BY captured_on_utc DESC, id
			LIMIT $2 OFFSET $3`
		rows, err := tx.Query(ctx, query, url, page.Size, page.Offset())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p calltree.Preview
			if err := rows.Scan(&p.ID, &p.URL, &p.HTTPMethod, &p.CapturedOnUTC, &p.ElapsedMs, &p.StatusCode,
				&p.Server, &p.MethodCount, &p.HasErrors); err != nil {
				return err
			}
			p.CapturedOnUTC = p.CapturedOnUTC.UTC()
			items = append(items, p)
		}
		return rows.Err()
	})
	if err != nil {
		return storage.Page[calltree.Preview]{}, fmt.Errorf("list previews: %w", err)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) DistinctURLs(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLSummary], error) {
	page = page.Normalize()

	var (
		total int
		items []storage.URLSummary
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT count(DISTINCT url) FROM profiled_requests`).Scan(&total); err != nil {
			return err
		}

		const query = `SELECT url, count(*), max(captured_on_utc) AS most_recent
			FROM profiled_requests
			GROUP BY url
			ORDER BY most_recent DESC, url
			LIMIT $1 OFFSET $2`
		rows, err := tx.Query(ctx, query, page.Size, page.Offset())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var u storage.URLSummary
			if err := rows.Scan(&u.URL, &u.Requests, &u.MostRecentUTC); err != nil {
				return err
			}
			u.MostRecentUTC = u.MostRecentUTC.UTC()
			items = append(items, u)
		}
		return rows.Err()
	})
	if err != nil {
		return storage.Page[storage.URLSummary]{}, fmt.Errorf("list urls: %w", err)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiled_requests WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRequestsByURL(ctx context.Context, url string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiled_requests WHERE url = $1`, calltree.NormalizeURL(url))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveTimedRequest(ctx context.Context, t *capture.TimedRequest) error {
	const query = `INSERT INTO timed_requests
		(id, request_id, url, http_method, server, status_code, captured_on_utc, elapsed_ms, threshold_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.RequestID, calltree.NormalizeURL(t.URL), t.HTTPMethod, t.Server, t.StatusCode,
		t.CapturedOnUTC.UTC(), t.ElapsedMs, t.ThresholdMs)
	return classify(err)
}

func (s *Store) LongRequests(ctx context.Context, page storage.PageRequest) (storage.Page[capture.TimedRequest], error) {
	page = page.Normalize()

	var (
		total int
		items []capture.TimedRequest
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM timed_requests`).Scan(&total); err != nil {
			return err
		}

		const query = `SELECT id, request_id, url, http_method, server, status_code, captured_on_utc,
			elapsed_ms, threshold_ms
			FROM timed_requests
			ORDER BY captured_on_utc DESC, id
			LIMIT $1 OFFSET $2`
		rows, err := tx.Query(ctx, query, page.Size, page.Offset())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t capture.TimedRequest
			if err := rows.Scan(&t.ID, &t.RequestID, &t.URL, &t.HTTPMethod, &t.Server, &t.StatusCode,
				&t.CapturedOnUTC, &t.ElapsedMs, &t.ThresholdMs); err != nil {
				return err
			}
			t.CapturedOnUTC = t.CapturedOnUTC.UTC()
			items = append(items, t)
		}
		return rows.Err()
	})
	if err != nil {
		return storage.Page[capture.TimedRequest]{}, fmt.Errorf("list long requests: %w", err)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) ClearLongRequests(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM timed_requests`)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveResponse(ctx context.Context, resp *capture.Response) error {
	collections, err := json.Marshal(resp.Collections)
	if err != nil {
		return fmt.Errorf("encode response collections: %w", err)
	}

	const query = `INSERT INTO profiled_responses
		(id, url, captured_on_utc, status_code, collections, body, body_truncated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status_code = EXCLUDED.status_code,
			collections = EXCLUDED.collections,
			body = EXCLUDED.body,
			body_truncated = EXCLUDED.body_truncated`
	_, err = s.pool.Exec(ctx, query,
		resp.ID, calltree.NormalizeURL(resp.URL), resp.CapturedOnUTC.UTC(), resp.StatusCode,
		collections, resp.Body, resp.BodyTruncated)
	return classify(err)
}

func (s *Store) GetResponse(ctx context.Context, id uuid.UUID) (*capture.Response, error) {
	const query = `SELECT url, captured_on_utc, status_code, collections, body, body_truncated
		FROM profiled_responses WHERE id = $1`

	resp := &capture.Response{ID: id}
	var collections []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&resp.URL, &resp.CapturedOnUTC, &resp.StatusCode, &collections, &resp.Body, &resp.BodyTruncated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("response %s: %w", id, storage.ErrNotFound)
		}
		return nil, classify(err)
	}
	if err := json.Unmarshal(collections, &resp.Collections); err != nil {
		return nil, fmt.Errorf("decode response collections of %s: %w", id, err)
	}
	resp.CapturedOnUTC = resp.CapturedOnUTC.UTC()
	return resp, nil
}

func (s *Store) DeleteResponse(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiled_responses WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("response %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteResponsesByURL(ctx context.Context, url string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiled_responses WHERE url = $1`, calltree.NormalizeURL(url))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveURLToProfile(ctx context.Context, u *storage.URLToProfile) error {
	const query = `INSERT INTO urls_to_profile (url, enabled, updated_utc)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_utc = EXCLUDED.updated_utc`
	_, err := s.pool.Exec(ctx, query, calltree.NormalizeURL(u.URL), u.Enabled, u.UpdatedUTC.UTC())
	return classify(err)
}

func (s *Store) URLsToProfile(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLToProfile], error) {
	page = page.Normalize()

	var (
		total int
		items []storage.URLToProfile
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM urls_to_profile`).Scan(&total); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT url, enabled, updated_utc FROM urls_to_profile
			ORDER BY url LIMIT $1 OFFSET $2`, page.Size, page.Offset())
		if err != nil {
			return err
		}
		items, err = pgx.CollectRows(rows, scanTarget)
		return err
	})
	if err != nil {
		return storage.Page[storage.URLToProfile]{}, fmt.Errorf("list urls to profile: %w", err)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) GetURLToProfile(ctx context.Context, url string) (*storage.URLToProfile, error) {
	url = calltree.NormalizeURL(url)
	rows, err := s.pool.Query(ctx, `SELECT url, enabled, updated_utc FROM urls_to_profile WHERE url = $1`, url)
	if err != nil {
		return nil, classify(err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanTarget)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
		}
		return nil, classify(err)
	}
	return &u, nil
}

func (s *Store) EnabledURLsToProfile(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM urls_to_profile WHERE enabled ORDER BY url`)
	if err != nil {
		return nil, classify(err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return urls, nil
}

func (s *Store) DeleteURLToProfile(ctx context.Context, url string) error {
	url = calltree.NormalizeURL(url)
	tag, err := s.pool.Exec(ctx, `DELETE FROM urls_to_profile WHERE url = $1`, url)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
	}
	return nil
}

func scanTarget(row pgx.CollectableRow) (storage.URLToProfile, error) {
	var u storage.URLToProfile
	err := row.Scan(&u.URL, &u.Enabled, &u.UpdatedUTC)
	u.UpdatedUTC = u.UpdatedUTC.UTC()
	return u, err
}

// readOnly runs fn in a repeatable-read transaction so a listing and its
// total agree.
func (s *Store) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return classify(err)
	}
	defer cerrors.DeferRollbackTx(ctx, s.logger, tx)

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return tx.Commit(ctx)
}

// classify marks connection failures and serialization conflicts as
// transient so the queue handlers retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return storage.Transient(err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return storage.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return storage.Transient(err)
	}
	return err
}
