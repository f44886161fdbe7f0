// Package httpapi exposes the engine over a small JSON API, one server per
// execution context.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/cart"
	"github.com/veldra/storekit/internal/checkout"
	"github.com/veldra/storekit/internal/engine"
	"github.com/veldra/storekit/internal/observability"
)

const readHeaderTimeout = 5 * time.Second

// Server wraps one engine with HTTP handlers.
type Server struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// NewServer builds the route table over eng.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{engine: eng, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/cart", s.handleGetCart)
	s.mux.HandleFunc("POST /api/cart/items", s.handleAddItem)
	s.mux.HandleFunc("PUT /api/cart/items/{id}", s.handleUpdateQuantity)
	s.mux.HandleFunc("DELETE /api/cart/items/{id}", s.handleRemoveItem)
	s.mux.HandleFunc("POST /api/cart/clear", s.handleClear)
	s.mux.HandleFunc("GET /api/products", s.handleProducts)
	s.mux.HandleFunc("POST /api/checkout/validate", s.handleValidate)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetCart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cart.Record())
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi", errs.CodeInvalid, errs.WithMessage("malformed request body"), errs.WithCause(err)))
		return
	}
	view, err := s.engine.Catalog.Products(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	product, ok := view.Product(req.ProductID)
	if !ok {
		writeError(w, errs.New("httpapi", errs.CodeNotFound,
			errs.WithMessage("unknown product"), errs.WithDetail("product_id", req.ProductID)))
		return
	}
	addErr := s.engine.Cart.AddItem(r.Context(), cart.Product{
		ID:         product.ExternalID,
		Name:       product.Name,
		Image:      product.Image,
		Brand:      product.Brand,
		Category:   product.Category,
		Price:      product.Price,
		Stock:      product.AvailableQuantity,
		StockKnown: true,
	}, req.Quantity)
	if addErr != nil && !errs.HasCode(addErr, errs.CodeStock) {
		writeError(w, addErr)
		return
	}
	// a clamped add still mutated the cart; report both
	writeJSON(w, http.StatusOK, map[string]any{
		"cart":    s.engine.Cart.Record(),
		"clamped": errs.HasCode(addErr, errs.CodeStock),
	})
}

type updateQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req updateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("httpapi", errs.CodeInvalid, errs.WithMessage("malformed request body"), errs.WithCause(err)))
		return
	}
	s.engine.Cart.UpdateQuantity(r.Context(), r.PathValue("id"), req.Quantity)
	writeJSON(w, http.StatusOK, s.engine.Cart.Record())
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	s.engine.Cart.RemoveItem(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, s.engine.Cart.Record())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.engine.Cart.Clear(r.Context())
	writeJSON(w, http.StatusOK, s.engine.Cart.Record())
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Catalog.Products(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{
		"products": view.Products,
		"stale":    view.Stale,
		"degraded": view.Degraded,
	}
	if view.Warning != nil {
		payload["warning"] = view.Warning.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Validator.Validate(r.Context(), s.engine.Cart.Record())
	if err != nil {
		writeError(w, err)
		return
	}
	issues := report.Issues
	if issues == nil {
		issues = []checkout.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    !report.HasIssues(),
		"degraded": report.Degraded,
		"issues":   issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Warn("encoding response failed", observability.F("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.E
	if errors.As(err, &e) && e.HTTP != 0 {
		status = e.HTTP
	} else {
		switch errs.CodeOf(err) {
		case errs.CodeInvalid:
			status = http.StatusBadRequest
		case errs.CodeNotFound:
			status = http.StatusNotFound
		case errs.CodeUnavailable, errs.CodeNetwork:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errs.CodeOf(err)),
	})
}
