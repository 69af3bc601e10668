package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/c360/depkit/health"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
	"github.com/c360/depkit/routing"
)

// statusPath is where the built-in status handler is mounted in the default
// context
const statusPath = "/status"

// statusHandler reports aggregated component health over the whiteboard
type statusHandler struct {
	monitor *health.Monitor
}

func (h *statusHandler) Init() error { return nil }

func (h *statusHandler) Destroy() {}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := h.monitor.AggregateHealth(appName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// registerStatusHandler publishes the status handler as a whiteboard
// service owned by the daemon
func registerStatusHandler(ctx context.Context, reg *registry.Registry, monitor *health.Monitor) (*registry.Registration, error) {
	props, err := properties.FromMap(map[string]any{
		routing.PropPattern: statusPath,
		routing.PropContext: routing.DefaultContext,
	})
	if err != nil {
		return nil, err
	}
	return reg.Register(ctx, registry.Static{
		Interfaces: []string{routing.HandlerInterface},
		Instance:   &statusHandler{monitor: monitor},
		Properties: props,
		Owner:      appName,
	})
}
