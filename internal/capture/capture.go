// Package capture holds the request telemetry recorded alongside call trees:
// long-running request records and response snapshots.
package capture

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/persistence"
)

const (
	KindTimedRequest persistence.Kind = "timed_request"
	KindResponse     persistence.Kind = "profiled_response"
)

// TimedRequest records a request whose total elapsed time reached the
// monitoring threshold.
type TimedRequest struct {
	ID            uuid.UUID `json:"id"`
	RequestID     uuid.UUID `json:"request_id"`
	URL           string    `json:"url"`
	HTTPMethod    string    `json:"http_method,omitempty"`
	Server        string    `json:"server"`
	StatusCode    int       `json:"status_code,omitempty"`
	CapturedOnUTC time.Time `json:"captured_on_utc"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	ThresholdMs   int64     `json:"threshold_ms"`
}

// Kind implements persistence.Persistable.
func (t *TimedRequest) Kind() persistence.Kind { return KindTimedRequest }

// LongRequest returns a TimedRequest for req when its elapsed time is at
// least threshold. A non-positive threshold disables monitoring.
func LongRequest(req *calltree.Request, threshold time.Duration) (*TimedRequest, bool) {
	if req == nil || threshold <= 0 {
		return nil, false
	}
	thresholdMs := threshold.Milliseconds()
	if req.ElapsedMs < thresholdMs {
		return nil, false
	}
	return &TimedRequest{
		ID:            uuid.New(),
		RequestID:     req.ID,
		URL:           req.URL,
		HTTPMethod:    req.HTTPMethod,
		Server:        req.Server,
		StatusCode:    req.StatusCode,
		CapturedOnUTC: req.CapturedOnUTC,
		ElapsedMs:     req.ElapsedMs,
		ThresholdMs:   thresholdMs,
	}, true
}

// DataItem is a single name/value pair.
type DataItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DataCollection is a named group of data items.
type DataCollection struct {
	Name string     `json:"name"`
	Data []DataItem `json:"data"`
}

// Response is a stored snapshot of what a profiled request returned. It
// shares its id with the profiled request.
type Response struct {
	ID            uuid.UUID        `json:"id"`
	URL           string           `json:"url"`
	CapturedOnUTC time.Time        `json:"captured_on_utc"`
	StatusCode    int              `json:"status_code"`
	Collections   []DataCollection `json:"collections,omitempty"`
	Body          string           `json:"body,omitempty"`
	BodyTruncated bool             `json:"body_truncated,omitempty"`
}

// Kind implements persistence.Persistable.
func (r *Response) Kind() persistence.Kind { return KindResponse }

// Snapshot is the raw response state observed by the HTTP layer.
type Snapshot struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	BodyTruncated bool
}

// ResponseCollector turns a snapshot into displayable data collections.
type ResponseCollector interface {
	Collect(snap Snapshot) []DataCollection
}

// BasicResponseCollector collects response cookies, status and headers.
type BasicResponseCollector struct{}

var _ ResponseCollector = BasicResponseCollector{}

func (BasicResponseCollector) Collect(snap Snapshot) []DataCollection {
	var collections []DataCollection

	cookies := (&http.Response{Header: snap.Header}).Cookies()
	if len(cookies) > 0 {
		c := DataCollection{Name: "Response Cookies"}
		for _, cookie := range cookies {
			c.Data = append(c.Data, DataItem{Name: cookie.Name, Value: cookie.Value})
		}
		collections = append(collections, c)
	}

	headers := DataCollection{Name: "Response Headers"}
	headers.Data = append(headers.Data, DataItem{Name: "StatusCode", Value: strconv.Itoa(snap.StatusCode)})
	names := make([]string, 0, len(snap.Header))
	for name := range snap.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		headers.Data = append(headers.Data, DataItem{Name: name, Value: strings.Join(snap.Header.Values(name), ", ")})
	}

	return append(collections, headers)
}

// NewResponse builds the stored response for req. Non-UTF-8 bodies are not
// kept.
func NewResponse(req *calltree.Request, snap Snapshot, collector ResponseCollector) *Response {
	if collector == nil {
		collector = BasicResponseCollector{}
	}
	resp := &Response{
		ID:            req.ID,
		URL:           req.URL,
		CapturedOnUTC: req.CapturedOnUTC,
		StatusCode:    snap.StatusCode,
		Collections:   collector.Collect(snap),
		BodyTruncated: snap.BodyTruncated,
	}
	if utf8.Valid(snap.Body) {
		resp.Body = string(snap.Body)
	}
	return resp
}
