package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/intercept"
)

const maxReportDelay = 10 * time.Second

var (
	errUnknownProduct = errors.New("unknown product")
	errOutOfStock     = errors.New("insufficient stock")
)

// Catalog prices products.
type Catalog struct {
	d      *intercept.Dispatcher
	prices map[string]int
}

// Price returns the unit price of sku in cents.
func (c *Catalog) Price(ctx context.Context, sku string) (int, error) {
	return intercept.CallValue(ctx, c.d, c, "Price", func(ctx context.Context) (int, error) {
		price, ok := c.prices[sku]
		if !ok {
			zerolog.Ctx(ctx).Warn().Str("sku", sku).Msg("Unknown product requested")
			return 0, fmt.Errorf("%w: %s", errUnknownProduct, sku)
		}
		return price, nil
	})
}

// Inventory tracks stock levels.
type Inventory struct {
	d *intercept.Dispatcher

	mu    sync.Mutex
	stock map[string]int
}

// Reserve takes qty units of sku out of stock.
func (inv *Inventory) Reserve(ctx context.Context, sku string, qty int) error {
	return inv.d.Call(ctx, inv, "Reserve", func(ctx context.Context) error {
		inv.mu.Lock()
		defer inv.mu.Unlock()

		left := inv.stock[sku]
		if left < qty {
			zerolog.Ctx(ctx).Error().Str("sku", sku).Int("requested", qty).Int("available", left).
				Msg("Cannot reserve stock")
			return errOutOfStock
		}
		inv.stock[sku] = left - qty
		if inv.stock[sku] < 3 {
			zerolog.Ctx(ctx).Warn().Str("sku", sku).Int("available", inv.stock[sku]).Msg("Stock running low")
		}
		return nil
	})
}

// Order is a placed order.
type Order struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	TotalCents int    `json:"total_cents"`
}

// Orders places orders against the catalog and inventory.
type Orders struct {
	d         *intercept.Dispatcher
	catalog   *Catalog
	inventory *Inventory
}

// Place prices and reserves qty units of sku.
func (o *Orders) Place(ctx context.Context, sku string, qty int) (Order, error) {
	return intercept.CallValue(ctx, o.d, o, "Place", func(ctx context.Context) (Order, error) {
		price, err := o.catalog.Price(ctx, sku)
		if err != nil {
			return Order{}, err
		}
		if err := o.inventory.Reserve(ctx, sku, qty); err != nil {
			return Order{}, err
		}
		order := Order{SKU: sku, Quantity: qty, TotalCents: price * qty}
		zerolog.Ctx(ctx).Info().Str("sku", sku).Int("quantity", qty).Msg("Order placed")
		return order, nil
	})
}

// Reports builds slow reports.
type Reports struct {
	d *intercept.Dispatcher
}

// Generate waits for delay or until ctx is done.
func (rp *Reports) Generate(ctx context.Context, delay time.Duration) error {
	return rp.d.Call(ctx, rp, "Generate", func(ctx context.Context) error {
		zerolog.Ctx(ctx).Debug().Dur("delay", delay).Msg("Generating report")
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

type shop struct {
	catalog *Catalog
	orders  *Orders
	reports *Reports
}

func newShop(d *intercept.Dispatcher) *shop {
	catalog := &Catalog{d: d, prices: map[string]int{
		"book":   1299,
		"lamp":   4500,
		"teapot": 2250,
	}}
	inventory := &Inventory{d: d, stock: map[string]int{
		"book":   100,
		"lamp":   10,
		"teapot": 25,
	}}
	return &shop{
		catalog: catalog,
		orders:  &Orders{d: d, catalog: catalog, inventory: inventory},
		reports: &Reports{d: d},
	}
}

func (s *shop) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /shop/products/{sku}", s.product)
	mux.HandleFunc("POST /shop/orders", s.placeOrder)
	mux.HandleFunc("GET /shop/report", s.report)
}

func (s *shop) product(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	price, err := s.catalog.Price(r.Context(), sku)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "price_cents": price})
}

func (s *shop) placeOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	qty := 1
	if raw := q.Get("qty"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "qty must be a positive integer")
			return
		}
		qty = n
	}

	order, err := s.orders.Place(r.Context(), q.Get("sku"), qty)
	switch {
	case errors.Is(err, errUnknownProduct):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errOutOfStock):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, order)
	}
}

func (s *shop) report(w http.ResponseWriter, r *http.Request) {
	delay := 100 * time.Millisecond
	if raw := r.URL.Query().Get("delay"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		delay = min(d, maxReportDelay)
	}

	if err := s.reports.Generate(r.Context(), delay); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "delay": delay.String()})
}
