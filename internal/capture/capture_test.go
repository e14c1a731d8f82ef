package capture

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/calltree"
)

func profiled(elapsedMs int64) *calltree.Request {
	req := calltree.NewRequest(uuid.New())
	req.URL = "/reports/annual"
	req.HTTPMethod = http.MethodGet
	req.Server = "web-02"
	req.StatusCode = 200
	req.CapturedOnUTC = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	req.ElapsedMs = elapsedMs
	return req
}

func TestLongRequest(t *testing.T) {
	tests := []struct {
		name      string
		elapsed   int64
		threshold time.Duration
		want      bool
	}{
		{name: "below threshold", elapsed: 499, threshold: 500 * time.Millisecond, want: false},
		{name: "at threshold", elapsed: 500, threshold: 500 * time.Millisecond, want: true},
		{name: "above threshold", elapsed: 3200, threshold: time.Second, want: true},
		{name: "disabled", elapsed: 10000, threshold: 0, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := profiled(tc.elapsed)
			timed, ok := LongRequest(req, tc.threshold)
			assert.Equal(t, tc.want, ok)
			if !tc.want {
				assert.Nil(t, timed)
				return
			}
			require.NotNil(t, timed)
			assert.Equal(t, KindTimedRequest, timed.Kind())
			assert.Equal(t, req.ID, timed.RequestID)
			assert.NotEqual(t, req.ID, timed.ID)
			assert.Equal(t, tc.elapsed, timed.ElapsedMs)
			assert.Equal(t, tc.threshold.Milliseconds(), timed.ThresholdMs)
			assert.Equal(t, "/reports/annual", timed.URL)
		})
	}

	_, ok := LongRequest(nil, time.Second)
	assert.False(t, ok)
}

func TestBasicResponseCollector(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Add("Cache-Control", "no-store")
	header.Add("Set-Cookie", "session=abc123; Path=/; HttpOnly")
	header.Add("Set-Cookie", "theme=dark")

	collections := BasicResponseCollector{}.Collect(Snapshot{StatusCode: 404, Header: header})

	require.Len(t, collections, 2)
	assert.Equal(t, "Response Cookies", collections[0].Name)
	assert.Equal(t, []DataItem{{Name: "session", Value: "abc123"}, {Name: "theme", Value: "dark"}}, collections[0].Data)

	headers := collections[1]
	assert.Equal(t, "Response Headers", headers.Name)
	require.NotEmpty(t, headers.Data)
	assert.Equal(t, DataItem{Name: "StatusCode", Value: "404"}, headers.Data[0])
	assert.Contains(t, headers.Data, DataItem{Name: "Content-Type", Value: "text/html"})
	assert.Contains(t, headers.Data, DataItem{Name: "Cache-Control", Value: "no-store"})
}

func TestBasicResponseCollector_NoCookies(t *testing.T) {
	collections := BasicResponseCollector{}.Collect(Snapshot{StatusCode: 200})

	require.Len(t, collections, 1)
	assert.Equal(t, []DataItem{{Name: "StatusCode", Value: "200"}}, collections[0].Data)
}

func TestNewResponse(t *testing.T) {
	req := profiled(12)
	snap := Snapshot{
		StatusCode:    200,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          []byte(`{"ok":true}`),
		BodyTruncated: true,
	}

	resp := NewResponse(req, snap, nil)

	assert.Equal(t, KindResponse, resp.Kind())
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, req.URL, resp.URL)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.True(t, resp.BodyTruncated)
	assert.Len(t, resp.Collections, 1)

	binary := NewResponse(req, Snapshot{StatusCode: 200, Body: []byte{0xff, 0xfe, 0x00}}, BasicResponseCollector{})
	assert.Empty(t, binary.Body)
}
