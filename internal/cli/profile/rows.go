package profile

import (
	"time"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/storage"
)

type previewRow struct {
	ID       string    `header:"ID"`
	Method   string    `header:"METHOD"`
	URL      string    `header:"URL"`
	Status   int       `header:"STATUS"`
	Elapsed  int64     `header:"ELAPSED MS"`
	Calls    int       `header:"CALLS"`
	Errors   bool      `header:"ERRORS"`
	Server   string    `header:"SERVER"`
	Captured time.Time `header:"CAPTURED"`
}

func previewRows(items []calltree.Preview) []previewRow {
	rows := make([]previewRow, 0, len(items))
	for _, p := range items {
		rows = append(rows, previewRow{
			ID:       p.ID.String(),
			Method:   p.HTTPMethod,
			URL:      p.URL,
			Status:   p.StatusCode,
			Elapsed:  p.ElapsedMs,
			Calls:    p.MethodCount,
			Errors:   p.HasErrors,
			Server:   p.Server,
			Captured: p.CapturedOnUTC,
		})
	}
	return rows
}

type urlRow struct {
	URL        string    `header:"URL"`
	Requests   int       `header:"REQUESTS"`
	MostRecent time.Time `header:"MOST RECENT"`
}

func urlRows(items []storage.URLSummary) []urlRow {
	rows := make([]urlRow, 0, len(items))
	for _, u := range items {
		rows = append(rows, urlRow{URL: u.URL, Requests: u.Requests, MostRecent: u.MostRecentUTC})
	}
	return rows
}

type targetRow struct {
	URL     string    `header:"URL"`
	Enabled bool      `header:"ENABLED"`
	Updated time.Time `header:"UPDATED"`
}

func targetRows(items []storage.URLToProfile) []targetRow {
	rows := make([]targetRow, 0, len(items))
	for _, u := range items {
		rows = append(rows, targetRow{URL: u.URL, Enabled: u.Enabled, Updated: u.UpdatedUTC})
	}
	return rows
}

type longRow struct {
	RequestID string    `header:"REQUEST ID"`
	Method    string    `header:"METHOD"`
	URL       string    `header:"URL"`
	Status    int       `header:"STATUS"`
	Elapsed   int64     `header:"ELAPSED MS"`
	Threshold int64     `header:"THRESHOLD MS"`
	Server    string    `header:"SERVER"`
	Captured  time.Time `header:"CAPTURED"`
}

func longRows(items []capture.TimedRequest) []longRow {
	rows := make([]longRow, 0, len(items))
	for _, t := range items {
		rows = append(rows, longRow{
			RequestID: t.RequestID.String(),
			Method:    t.HTTPMethod,
			URL:       t.URL,
			Status:    t.StatusCode,
			Elapsed:   t.ElapsedMs,
			Threshold: t.ThresholdMs,
			Server:    t.Server,
			Captured:  t.CapturedOnUTC,
		})
	}
	return rows
}
