package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/otel/attribute"

	_ "gomarketplace/docs"
	"gomarketplace/pkg/cart"
	"gomarketplace/pkg/otel"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
	pingTimeout     = 2 * time.Second
)

// pinger is implemented by storage backends that sit behind a connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// cartResponse is the cart plus its checkout totals.
type cartResponse struct {
	Products []cart.LineItem `json:"products"`
	Version  uint64          `json:"version"`
	Count    int             `json:"count"`
	Subtotal string          `json:"subtotal"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newRouter(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, traceMiddleware, storeMiddleware)

	r.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	api := r.PathPrefix("/cart").Subrouter()
	api.HandleFunc("", getCartHandler).Methods(http.MethodGet)
	api.HandleFunc("/events", eventsHandler).Methods(http.MethodGet)
	api.HandleFunc("/items", addToCartHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/increment", incrementHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/decrement", decrementHandler).Methods(http.MethodPost)
	return r
}

// getCartHandler returns the cart.
// @Summary Get cart
// @Produce json
// @Success 200 {object} cartResponse
// @Router /cart [get]
func getCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "getCartHandler")
	defer span.End()

	s, err := cart.FromContext(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

// addToCartHandler adds one unit of a product.
// @Summary Add to cart
// @Description Adds the product with quantity 1, or increments it when already present. The quantity field is ignored.
// @Accept json
// @Produce json
// @Param item body cart.LineItem true "Product"
// @Success 200 {object} cartResponse
// @Failure 400 {object} errorResponse
// @Router /cart/items [post]
func addToCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "addToCartHandler")
	defer span.End()

	var item cart.LineItem
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	mutateAndRespond(ctx, w, func(s *cart.Store) error { return s.AddToCart(ctx, item) })
}

// incrementHandler adds one to a line item's quantity.
// @Summary Increment quantity
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} cartResponse
// @Router /cart/items/{id}/increment [post]
func incrementHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, span := otel.AddSpan(r.Context(), "incrementHandler", attribute.String("cart.item_id", id))
	defer span.End()

	mutateAndRespond(ctx, w, func(s *cart.Store) error { return s.Increment(ctx, id) })
}

// decrementHandler removes one from a line item's quantity, stopping at zero.
// @Summary Decrement quantity
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} cartResponse
// @Router /cart/items/{id}/decrement [post]
func decrementHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, span := otel.AddSpan(r.Context(), "decrementHandler", attribute.String("cart.item_id", id))
	defer span.End()

	mutateAndRespond(ctx, w, func(s *cart.Store) error { return s.Decrement(ctx, id) })
}

// eventsHandler streams a snapshot on connect and after every change.
// @Summary Cart change stream
// @Produce text/event-stream
// @Success 200
// @Router /cart/events [get]
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "eventsHandler")
	defer span.End()
	s, err := cart.FromContext(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	// keep only the newest snapshot if the client falls behind
	updates := make(chan cart.Snapshot, 1)
	unsubscribe, err := s.Subscribe(func(snap cart.Snapshot) {
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	defer unsubscribe()

	current, err := s.Snapshot()
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := current.Version
	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if snap.Version <= last {
				continue
			}
			last = snap.Version
			if err := writeEvent(w, snap); err != nil {
				log.Debug(ctx, "event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// healthHandler reports whether the cart is open and its storage reachable.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := cart.FromContext(ctx); err != nil {
		writeError(ctx, w, err)
		return
	}
	if p, ok := backend.(pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			log.Error(ctx, "storage ping", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mutateAndRespond(ctx context.Context, w http.ResponseWriter, op func(*cart.Store) error) {
	s, err := cart.FromContext(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := op(s); err != nil {
		writeError(ctx, w, err)
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

func toResponse(snap cart.Snapshot) cartResponse {
	totals := cart.ComputeTotals(snap.Products)
	products := snap.Products
	if products == nil {
		products = []cart.LineItem{}
	}
	return cartResponse{
		Products: products,
		Version:  snap.Version,
		Count:    totals.Count,
		Subtotal: totals.Subtotal.StringFixed(2),
	}
}

func writeEvent(w http.ResponseWriter, snap cart.Snapshot) error {
	b, err := json.Marshal(toResponse(snap))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", snap.Version, b)
	return err
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrInvalidItem):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, cart.ErrNotInitialized), errors.Is(err, cart.ErrNoProvider):
		log.Error(ctx, "cart unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "cart unavailable"})
	default:
		log.Error(ctx, "cart request", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestIDMiddleware reuses the caller's request id or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tracer != nil {
			ctx = otel.InjectTracing(ctx, tracer)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// storeMiddleware scopes the shared store to the request.
func storeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if store != nil {
			ctx = cart.NewContext(ctx, store)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
