// Package redis is the storage backend for short-lived profiles kept in
// Redis. Records are JSON documents and listings are sorted sets scored by
// capture time in milliseconds.
//
// With a TTL the documents expire on their own but index members cannot.
// Every expiring record is also listed in an expiry sorted set scored by its
// deadline, and prune drops the index entries of records past it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "reqprof:"

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires stored records. Zero keeps them until deleted.
	TTL time.Duration
}

// Store implements storage.Repository on Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keys
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

var _ storage.Repository = (*Store)(nil)

// Open connects to the server and checks it answers.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	s := New(client, opts.Prefix, logger)
	s.ttl = opts.TTL
	s.logger.Info().Str("addr", opts.Addr).Str("prefix", s.keys.prefix).Msg("Redis storage connected")
	return s, nil
}

// New wraps an existing client. An empty prefix means DefaultPrefix.
func New(client goredis.UniversalClient, prefix string, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		keys:   keys{prefix: prefix},
		now:    time.Now,
		logger: logger.With().Str("component", "redis_storage").Logger(),
	}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

type keys struct {
	prefix string
}

func (k keys) request(id string) string  { return k.prefix + "request:" + id }
func (k keys) preview(id string) string  { return k.prefix + "preview:" + id }
func (k keys) timed(id string) string    { return k.prefix + "timed:" + id }
func (k keys) response(id string) string { return k.prefix + "response:" + id }
func (k keys) requests() string          { return k.prefix + "requests" }
func (k keys) urls() string              { return k.prefix + "urls" }
func (k keys) timedIndex() string        { return k.prefix + "timed" }
func (k keys) expiry() string            { return k.prefix + "expiry" }
func (k keys) targets() string           { return k.prefix + "urls-to-profile" }

// URLs are hashed so arbitrary paths make well-formed keys.
func (k keys) urlRequests(url string) string {
	return k.prefix + "url:" + urlHash(url) + ":requests"
}

func (k keys) urlResponses(url string) string {
	return k.prefix + "url:" + urlHash(url) + ":responses"
}

func urlHash(url string) string {
	return strconv.FormatUint(xxh3.HashString(calltree.NormalizeURL(url)), 16)
}

func score(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())
}

const (
	kindRequest  = "request"
	kindTimed    = "timed"
	kindResponse = "response"
)

// expiring names a record in the expiry index. The URL is kept so the per-URL
// indexes can be pruned after the document is gone.
func expiring(kind, id, url string) string {
	return kind + "|" + id + "|" + url
}

// expire lists member in the expiry index when records have a TTL.
func (s *Store) expire(ctx context.Context, pipe goredis.Pipeliner, member string) {
	if s.ttl <= 0 {
		return
	}
	pipe.ZAdd(ctx, s.keys.expiry(), goredis.Z{Score: score(s.now().Add(s.ttl)), Member: member})
}

func (s *Store) SaveRequest(ctx context.Context, req *calltree.Request) error {
	doc := *req
	doc.URL = calltree.NormalizeURL(req.URL)
	id := doc.ID.String()

	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", id, err)
	}
	preview, err := json.Marshal(doc.Preview())
	if err != nil {
		return fmt.Errorf("encode preview %s: %w", id, err)
	}

	if err := s.prune(ctx); err != nil {
		return err
	}

	at := score(doc.CapturedOnUTC)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.keys.request(id), body, s.ttl)
		pipe.Set(ctx, s.keys.preview(id), preview, s.ttl)
		pipe.ZAdd(ctx, s.keys.requests(), goredis.Z{Score: at, Member: id})
		pipe.ZAdd(ctx, s.keys.urlRequests(doc.URL), goredis.Z{Score: at, Member: id})
		pipe.ZAddArgs(ctx, s.keys.urls(), goredis.ZAddArgs{GT: true, Members: []goredis.Z{{Score: at, Member: doc.URL}}})
		s.expire(ctx, pipe, expiring(kindRequest, id, doc.URL))
		return nil
	})
	return classify(err)
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*calltree.Request, error) {
	body, err := s.client.Get(ctx, s.keys.request(id.String())).Bytes()
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	var req calltree.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	req.Link()
	return &req, nil
}

func (s *Store) PreviewsByURL(ctx context.Context, url string, page storage.PageRequest) (storage.Page[calltree.Preview], error) {
	page = page.Normalize()
	if err := s.prune(ctx); err != nil {
		return storage.Page[calltree.Preview]{}, err
	}
	index := s.keys.requests()
	if url != "" {
		index = s.keys.urlRequests(url)
	}

	ids, total, err := s.pageOf(ctx, index, page)
	if err != nil {
		return storage.Page[calltree.Preview]{}, err
	}
	docs, err := s.load(ctx, ids, s.keys.preview)
	if err != nil {
		return storage.Page[calltree.Preview]{}, err
	}

	items := make([]calltree.Preview, 0, len(docs))
	for _, doc := range docs {
		var p calltree.Preview
		if err := json.Unmarshal(doc, &p); err != nil {
			return storage.Page[calltree.Preview]{}, fmt.Errorf("decode preview: %w", err)
		}
		items = append(items, p)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) DistinctURLs(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLSummary], error) {
	page = page.Normalize()
	if err := s.prune(ctx); err != nil {
		return storage.Page[storage.URLSummary]{}, err
	}

	total, err := s.client.ZCard(ctx, s.keys.urls()).Result()
	if err != nil {
		return storage.Page[storage.URLSummary]{}, classify(err)
	}
	entries, err := s.client.ZRevRangeWithScores(ctx, s.keys.urls(), int64(page.Offset()), int64(page.Offset()+page.Size-1)).Result()
	if err != nil {
		return storage.Page[storage.URLSummary]{}, classify(err)
	}

	pipe := s.client.Pipeline()
	counts := make([]*goredis.IntCmd, len(entries))
	for i, e := range entries {
		counts[i] = pipe.ZCard(ctx, s.keys.urlRequests(e.Member.(string)))
	}
	if len(entries) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return storage.Page[storage.URLSummary]{}, classify(err)
		}
	}

	items := make([]storage.URLSummary, 0, len(entries))
	for i, e := range entries {
		items = append(items, storage.URLSummary{
			URL:           e.Member.(string),
			Requests:      int(counts[i].Val()),
			MostRecentUTC: time.UnixMilli(int64(e.Score)).UTC(),
		})
	}
	return storage.NewPage(items, page, int(total)), nil
}

func (s *Store) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	key := id.String()
	body, err := s.client.Get(ctx, s.keys.preview(key)).Bytes()
	if err != nil {
		return notFound(err, "request", id)
	}
	var p calltree.Preview
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decode preview %s: %w", id, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.keys.request(key), s.keys.preview(key))
		pipe.ZRem(ctx, s.keys.requests(), key)
		pipe.ZRem(ctx, s.keys.urlRequests(p.URL), key)
		pipe.ZRem(ctx, s.keys.expiry(), expiring(kindRequest, key, p.URL))
		return nil
	})
	if err != nil {
		return classify(err)
	}
	return s.refreshURL(ctx, p.URL)
}

// refreshURL drops url from the URL index once it has no requests, or
// rescores it with its newest remaining request.
func (s *Store) refreshURL(ctx context.Context, url string) error {
	newest, err := s.client.ZRevRangeWithScores(ctx, s.keys.urlRequests(url), 0, 0).Result()
	if err != nil {
		return classify(err)
	}
	if len(newest) == 0 {
		return classify(s.client.ZRem(ctx, s.keys.urls(), url).Err())
	}
	return classify(s.client.ZAdd(ctx, s.keys.urls(), goredis.Z{Score: newest[0].Score, Member: url}).Err())
}

func (s *Store) DeleteRequestsByURL(ctx context.Context, url string) (int64, error) {
	url = calltree.NormalizeURL(url)
	index := s.keys.urlRequests(url)
	if err := s.prune(ctx); err != nil {
		return 0, err
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return 0, classify(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	docs := make([]string, 0, 2*len(ids))
	members := make([]any, len(ids))
	deadlines := make([]any, len(ids))
	for i, id := range ids {
		docs = append(docs, s.keys.request(id), s.keys.preview(id))
		members[i] = id
		deadlines[i] = expiring(kindRequest, id, url)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, docs...)
		pipe.ZRem(ctx, s.keys.requests(), members...)
		pipe.ZRem(ctx, s.keys.expiry(), deadlines...)
		pipe.Del(ctx, index)
		pipe.ZRem(ctx, s.keys.urls(), url)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(len(ids)), nil
}

func (s *Store) SaveTimedRequest(ctx context.Context, t *capture.TimedRequest) error {
	doc := *t
	doc.URL = calltree.NormalizeURL(t.URL)
	id := doc.ID.String()

	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode timed request %s: %w", id, err)
	}
	if err := s.prune(ctx); err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.keys.timed(id), body, s.ttl)
		pipe.ZAdd(ctx, s.keys.timedIndex(), goredis.Z{Score: score(doc.CapturedOnUTC), Member: id})
		s.expire(ctx, pipe, expiring(kindTimed, id, ""))
		return nil
	})
	return classify(err)
}

func (s *Store) LongRequests(ctx context.Context, page storage.PageRequest) (storage.Page[capture.TimedRequest], error) {
	page = page.Normalize()
	if err := s.prune(ctx); err != nil {
		return storage.Page[capture.TimedRequest]{}, err
	}

	ids, total, err := s.pageOf(ctx, s.keys.timedIndex(), page)
	if err != nil {
		return storage.Page[capture.TimedRequest]{}, err
	}
	docs, err := s.load(ctx, ids, s.keys.timed)
	if err != nil {
		return storage.Page[capture.TimedRequest]{}, err
	}

	items := make([]capture.TimedRequest, 0, len(docs))
	for _, doc := range docs {
		var t capture.TimedRequest
		if err := json.Unmarshal(doc, &t); err != nil {
			return storage.Page[capture.TimedRequest]{}, fmt.Errorf("decode timed request: %w", err)
		}
		items = append(items, t)
	}
	return storage.NewPage(items, page, total), nil
}

func (s *Store) ClearLongRequests(ctx context.Context) (int64, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	ids, err := s.client.ZRange(ctx, s.keys.timedIndex(), 0, -1).Result()
	if err != nil {
		return 0, classify(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	docs := make([]string, len(ids))
	deadlines := make([]any, len(ids))
	for i, id := range ids {
		docs[i] = s.keys.timed(id)
		deadlines[i] = expiring(kindTimed, id, "")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, docs...)
		pipe.Del(ctx, s.keys.timedIndex())
		pipe.ZRem(ctx, s.keys.expiry(), deadlines...)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(len(ids)), nil
}

func (s *Store) SaveResponse(ctx context.Context, resp *capture.Response) error {
	doc := *resp
	doc.URL = calltree.NormalizeURL(resp.URL)
	id := doc.ID.String()

	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode response %s: %w", id, err)
	}
	if err := s.prune(ctx); err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.keys.response(id), body, s.ttl)
		pipe.SAdd(ctx, s.keys.urlResponses(doc.URL), id)
		s.expire(ctx, pipe, expiring(kindResponse, id, doc.URL))
		return nil
	})
	return classify(err)
}

func (s *Store) GetResponse(ctx context.Context, id uuid.UUID) (*capture.Response, error) {
	body, err := s.client.Get(ctx, s.keys.response(id.String())).Bytes()
	if err != nil {
		return nil, notFound(err, "response", id)
	}
	var resp capture.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response %s: %w", id, err)
	}
	return &resp, nil
}

func (s *Store) DeleteResponse(ctx context.Context, id uuid.UUID) error {
	resp, err := s.GetResponse(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.keys.response(id.String()))
		pipe.SRem(ctx, s.keys.urlResponses(resp.URL), id.String())
		pipe.ZRem(ctx, s.keys.expiry(), expiring(kindResponse, id.String(), resp.URL))
		return nil
	})
	return classify(err)
}

func (s *Store) DeleteResponsesByURL(ctx context.Context, url string) (int64, error) {
	url = calltree.NormalizeURL(url)
	index := s.keys.urlResponses(url)
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, classify(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	docs := make([]string, len(ids))
	deadlines := make([]any, len(ids))
	for i, id := range ids {
		docs[i] = s.keys.response(id)
		deadlines[i] = expiring(kindResponse, id, url)
	}
	var removed *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.Del(ctx, docs...)
		pipe.Del(ctx, index)
		pipe.ZRem(ctx, s.keys.expiry(), deadlines...)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return removed.Val(), nil
}

// Targets are one hash keyed by URL. They never expire.

func (s *Store) SaveURLToProfile(ctx context.Context, u *storage.URLToProfile) error {
	doc := *u
	doc.URL = calltree.NormalizeURL(u.URL)
	doc.UpdatedUTC = doc.UpdatedUTC.UTC()

	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode url to profile %s: %w", doc.URL, err)
	}
	return classify(s.client.HSet(ctx, s.keys.targets(), doc.URL, body).Err())
}

func (s *Store) URLsToProfile(ctx context.Context, page storage.PageRequest) (storage.Page[storage.URLToProfile], error) {
	all, err := s.targets(ctx)
	if err != nil {
		return storage.Page[storage.URLToProfile]{}, err
	}
	return storage.Paginate(all, page), nil
}

func (s *Store) GetURLToProfile(ctx context.Context, url string) (*storage.URLToProfile, error) {
	url = calltree.NormalizeURL(url)
	body, err := s.client.HGet(ctx, s.keys.targets(), url).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
		}
		return nil, classify(err)
	}
	var u storage.URLToProfile
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode url to profile %s: %w", url, err)
	}
	return &u, nil
}

func (s *Store) EnabledURLsToProfile(ctx context.Context) ([]string, error) {
	all, err := s.targets(ctx)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, u := range all {
		if u.Enabled {
			urls = append(urls, u.URL)
		}
	}
	return urls, nil
}

func (s *Store) DeleteURLToProfile(ctx context.Context, url string) error {
	url = calltree.NormalizeURL(url)
	n, err := s.client.HDel(ctx, s.keys.targets(), url).Result()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("url to profile %s: %w", url, storage.ErrNotFound)
	}
	return nil
}

// targets loads every target ordered by URL.
func (s *Store) targets(ctx context.Context) ([]storage.URLToProfile, error) {
	docs, err := s.client.HGetAll(ctx, s.keys.targets()).Result()
	if err != nil {
		return nil, classify(err)
	}
	all := make([]storage.URLToProfile, 0, len(docs))
	for url, body := range docs {
		var u storage.URLToProfile
		if err := json.Unmarshal([]byte(body), &u); err != nil {
			return nil, fmt.Errorf("decode url to profile %s: %w", url, err)
		}
		all = append(all, u)
	}
	slices.SortFunc(all, func(a, b storage.URLToProfile) int { return strings.Compare(a.URL, b.URL) })
	return all, nil
}

// prune removes the index entries of records whose deadline has passed and
// drops URLs left without requests.
func (s *Store) prune(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	due, err := s.client.ZRangeByScore(ctx, s.keys.expiry(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UTC().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return classify(err)
	}
	if len(due) == 0 {
		return nil
	}

	urls := make(map[string]bool)
	members := make([]any, len(due))
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, member := range due {
			members[i] = member
			kind, rest, _ := strings.Cut(member, "|")
			id, url, _ := strings.Cut(rest, "|")
			switch kind {
			case kindRequest:
				pipe.ZRem(ctx, s.keys.requests(), id)
				pipe.ZRem(ctx, s.keys.urlRequests(url), id)
				urls[url] = true
			case kindTimed:
				pipe.ZRem(ctx, s.keys.timedIndex(), id)
			case kindResponse:
				pipe.SRem(ctx, s.keys.urlResponses(url), id)
			}
		}
		pipe.ZRem(ctx, s.keys.expiry(), members...)
		return nil
	})
	if err != nil {
		return classify(err)
	}

	for url := range urls {
		if err := s.refreshURL(ctx, url); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("records", len(due)).Msg("Pruned expired index entries")
	return nil
}

// pageOf returns the ids on page of the sorted set index, newest first, and
// the size of the set.
func (s *Store) pageOf(ctx context.Context, index string, page storage.PageRequest) ([]string, int, error) {
	pipe := s.client.Pipeline()
	total := pipe.ZCard(ctx, index)
	ids := pipe.ZRevRange(ctx, index, int64(page.Offset()), int64(page.Offset()+page.Size-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, classify(err)
	}
	return ids.Val(), int(total.Val()), nil
}

// load fetches the documents for ids, skipping any that expired since the
// index was read.
func (s *Store) load(ctx context.Context, ids []string, key func(string) string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = key(id)
	}
	values, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, classify(err)
	}

	docs := make([][]byte, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			s.logger.Debug().Str("key", names[i]).Msg("Indexed record has expired")
			continue
		}
		docs = append(docs, []byte(str))
	}
	return docs, nil
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return classify(err)
}

// classify marks server states that clear on their own as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return err
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "TRYAGAIN", "CLUSTERDOWN", "BUSY", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return storage.Transient(err)
		}
	}
	return err
}
