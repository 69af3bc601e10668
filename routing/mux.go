package routing

import (
	"context"
	"log/slog"
	"net/http"
)

type matchKey struct{}

// MatchFrom returns the routing match stored in ctx by Mux
func MatchFrom(ctx context.Context) (Match, bool) {
	m, ok := ctx.Value(matchKey{}).(Match)
	return m, ok
}

// Mux is an http.Handler that dispatches through a ContextRegistry
type Mux struct {
	contexts *ContextRegistry
	logger   *slog.Logger
}

// NewMux creates a Mux over contexts
func NewMux(contexts *ContextRegistry, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{contexts: contexts, logger: logger.With("component", "mux")}
}

// ServeHTTP implements http.Handler. Unresolved paths get 404; a resolved
// handler that cannot serve HTTP gets 501.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, ok := m.contexts.Resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	h, ok := match.Handler.(http.Handler)
	if !ok {
		m.logger.Warn("Resolved handler does not serve HTTP",
			"path", r.URL.Path, "pattern", match.Pattern, "service_id", match.ServiceID)
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), matchKey{}, match)))
}
