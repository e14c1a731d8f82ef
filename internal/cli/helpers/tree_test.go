package helpers

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/coral-mesh/reqprof/internal/calltree"
)

func TestRenderCallTree(t *testing.T) {
	req := calltree.NewRequest(uuid.MustParse("7b0c5a8e-2f61-4a52-9d0e-2a3f4b5c6d7e"))
	req.URL = "/shop/orders"
	req.HTTPMethod = "POST"
	req.Server = "web-01"
	req.StatusCode = 409
	req.ElapsedMs = 12
	req.CapturedOnUTC = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	place := calltree.NewMethod("server.Orders.Place", 2)
	req.AddMethod(place)
	price := calltree.NewMethod("server.Catalog.Price", 3)
	place.AddChild(price)
	price.Stop(4)
	reserve := calltree.NewMethod("server.Inventory.Reserve", 5)
	place.AddChild(reserve)
	reserve.AddLog(zerolog.ErrorLevel, "Cannot reserve stock", 7)
	reserve.MarkError()
	reserve.Stop(9)
	place.Stop(10)
	req.ProfilerErrors = []string{"method exit with no method entered"}

	out := RenderCallTree(req, PlainTreeStyles())

	assert.Equal(t, []string{
		"POST /shop/orders  status=409 elapsed=12ms server=web-01 captured=2024-03-04T10:00:00Z",
		"id=7b0c5a8e-2f61-4a52-9d0e-2a3f4b5c6d7e client=- ajax=false",
		"└─ server.Orders.Place (8ms at +2ms)",
		"  ├─ server.Catalog.Price (1ms at +3ms)",
		"  └─ server.Inventory.Reserve ✗ (4ms at +5ms)",
		"      [error +2ms] Cannot reserve stock",
		"profiler error: method exit with no method entered",
	}, strings.Split(out, "\n")[:7])
	assert.Contains(t, out, "Legend:")
}

func TestRenderCallTree_Empty(t *testing.T) {
	assert.Equal(t, "No profile data available.\n", RenderCallTree(nil, PlainTreeStyles()))

	req := calltree.NewRequest(uuid.New())
	assert.Contains(t, RenderCallTree(req, PlainTreeStyles()), "(no intercepted methods)")
}

func TestStylesFor_NonTerminal(t *testing.T) {
	styles := StylesFor(&bytes.Buffer{})
	assert.Equal(t, "plain", styles.Error.Render("plain"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0ms", FormatDuration(0))
	assert.Equal(t, "500ns", FormatDuration(500))
	assert.Equal(t, "1.5µs", FormatDuration(1500))
	assert.Equal(t, "12ms", FormatDuration(12*time.Millisecond))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
}
