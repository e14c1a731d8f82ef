package testutil

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
)

// SampleRequest returns a stopped profile for url captured at at:
//
//	Checkout.Handle
//	  Orders.Place (logs one error)
//	  Cart.Clear
func SampleRequest(url string, at time.Time) *calltree.Request {
	req := calltree.NewRequest(uuid.New())
	req.URL = calltree.NormalizeURL(url)
	req.HTTPMethod = http.MethodPost
	req.CapturedOnUTC = at.UTC().Truncate(time.Microsecond)
	req.Server = "web-01"
	req.ClientIP = "10.1.2.3"
	req.UserAgent = "test-agent/1.0"
	req.StatusCode = http.StatusCreated
	req.ElapsedMs = 25

	handle := calltree.NewMethod("checkout.Handler.Handle", 1)
	req.AddMethod(handle)

	place := calltree.NewMethod("orders.Service.Place", 3)
	handle.AddChild(place)
	place.AddLog(zerolog.InfoLevel, "placing order", 4)
	place.AddLog(zerolog.ErrorLevel, "inventory lookup failed", 9)
	place.MarkError()
	place.Stop(12)

	cart := calltree.NewMethod("cart.Store.Clear", 13)
	handle.AddChild(cart)
	cart.Stop(15)

	handle.Stop(20)
	return req
}

// SampleTimedRequest returns a long request record for req.
func SampleTimedRequest(req *calltree.Request, elapsedMs int64) *capture.TimedRequest {
	return &capture.TimedRequest{
		ID:            uuid.New(),
		RequestID:     req.ID,
		URL:           req.URL,
		HTTPMethod:    req.HTTPMethod,
		Server:        req.Server,
		StatusCode:    req.StatusCode,
		CapturedOnUTC: req.CapturedOnUTC,
		ElapsedMs:     elapsedMs,
		ThresholdMs:   1000,
	}
}

// SampleResponse returns a response snapshot for req.
func SampleResponse(req *calltree.Request) *capture.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Add("Set-Cookie", "session=s1")
	return capture.NewResponse(req, capture.Snapshot{
		StatusCode: req.StatusCode,
		Header:     header,
		Body:       []byte(`{"order":"o-1"}`),
	}, capture.BasicResponseCollector{})
}
