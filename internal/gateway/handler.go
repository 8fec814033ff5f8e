package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type Handler struct {
	checkoutProxy  *ServiceProxy
	inventoryProxy *ServiceProxy
	logger         *slog.Logger
}

func NewHandler(checkoutProxy, inventoryProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		checkoutProxy:  checkoutProxy,
		inventoryProxy: inventoryProxy,
		logger:         logger,
	}
}

// HandleCheckout forwards cart, checkout and order routes unchanged.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.checkoutProxy, r.URL.Path)
}

// HandleInventory maps /inventory/stock/... onto the inventory service's
// /stock/... routes.
func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/inventory")
	h.proxyRequest(w, r, h.inventoryProxy, path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, header := range []string{"Content-Type", "Retry-After"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
