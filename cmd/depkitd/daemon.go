package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/depkit/artifact"
	"github.com/c360/depkit/config"
	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/diag"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/health"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/natsbridge"
	"github.com/c360/depkit/natsclient"
	"github.com/c360/depkit/pkg/tlsutil"
	"github.com/c360/depkit/registry"
	"github.com/c360/depkit/routing"
)

const (
	natsConnectTimeout = 10 * time.Second
	kvReadyTimeout     = 10 * time.Second
)

// daemon owns every long-lived part of depkitd. Parts that are disabled in
// the configuration stay nil.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	registry   *registry.Registry
	admin      *configadmin.Admin
	graph      *depgraph.Graph
	tracker    *artifact.Tracker
	contexts   *routing.ContextRegistry
	whiteboard *routing.Whiteboard
	monitor    *health.Monitor
	stopWatch  func()
	status     *registry.Registration

	tls           *tlsutil.Server
	metricsServer *metric.Server
	httpServer    *http.Server
	httpListener  net.Listener
	diagServer    *diag.Server

	nats       *natsclient.Client
	publisher  *natsbridge.Publisher
	artifacts  *natsbridge.ArtifactSubscriber
	configFeed *configadmin.KVSource
}

// newDaemon builds the in-process core: registry, configuration admin,
// dependency graph, artifact tracker, routing and health. Nothing listens
// until start.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &daemon{cfg: cfg, logger: logger, metrics: metric.NewMetricsRegistry()}
	core := d.metrics.CoreMetrics()

	var err error
	d.registry, err = registry.New(registry.WithLogger(logger), registry.WithMetrics(d.metrics))
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	d.admin = configadmin.New(configadmin.WithLogger(logger), configadmin.WithMetrics(core))
	d.graph = depgraph.New(d.registry,
		depgraph.WithLogger(logger),
		depgraph.WithMetrics(core),
		depgraph.WithConfigAdmin(d.admin))
	d.tracker = artifact.NewTracker(d.graph, d.registry, artifact.WithLogger(logger), artifact.WithMetrics(core))

	d.contexts = routing.NewContextRegistry(routing.WithContextLogger(logger), routing.WithContextMetrics(core))
	d.whiteboard, err = routing.NewWhiteboard(d.registry, d.contexts, logger)
	if err != nil {
		return nil, fmt.Errorf("create whiteboard: %w", err)
	}

	d.monitor = health.NewMonitor()
	d.stopWatch, err = d.monitor.Watch(d.graph)
	if err != nil {
		return nil, fmt.Errorf("watch components: %w", err)
	}

	return d, nil
}

// start seeds the static configurations, publishes the status route and
// brings up every enabled listener and the NATS bridge
func (d *daemon) start(ctx context.Context) error {
	if err := d.seedConfigurations(ctx); err != nil {
		return err
	}

	var err error
	d.status, err = registerStatusHandler(ctx, d.registry, d.monitor)
	if err != nil {
		return fmt.Errorf("register status handler: %w", err)
	}

	d.tls, err = tlsutil.NewServer(ctx, d.cfg.TLS, d.logger)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}

	if d.cfg.Metrics.Enabled {
		d.metricsServer = metric.NewServer(d.cfg.Metrics.Port, d.cfg.Metrics.Path, d.metrics, d.logger)
		if tc := d.listenerTLS(); tc != nil {
			d.metricsServer.UseTLS(tc)
		}
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if d.cfg.HTTP.Enabled {
		if err := d.startHTTP(); err != nil {
			return err
		}
	}

	if d.cfg.Diag.Enabled {
		if err := d.startDiag(); err != nil {
			return err
		}
	}

	if d.cfg.NATS.Enabled {
		if err := d.startNATS(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) seedConfigurations(ctx context.Context) error {
	pids, stores, err := d.cfg.StaticConfigurations()
	if err != nil {
		return fmt.Errorf("decode static configurations: %w", err)
	}
	for _, pid := range pids {
		if err := d.admin.Update(ctx, pid, stores[pid]); err != nil {
			return fmt.Errorf("seed configuration %s: %w", pid, err)
		}
	}
	if len(pids) > 0 {
		d.logger.Info("Static configurations seeded", "count", len(pids), "pids", pids)
	}
	return nil
}

func (d *daemon) startHTTP() error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/*", routing.NewMux(d.contexts, d.logger))

	listener, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return errors.WrapTransient(err, "daemon", "startHTTP", fmt.Sprintf("listen on %s", d.cfg.HTTP.Addr))
	}
	if tc := d.listenerTLS(); tc != nil {
		listener = tls.NewListener(listener, tc)
	}
	d.httpListener = listener
	d.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := d.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server failed", "error", err)
		}
	}()
	d.logger.Info("HTTP server started", "address", listener.Addr().String())
	return nil
}

// listenerTLS returns a fresh listener configuration, or nil without TLS
func (d *daemon) listenerTLS() *tls.Config {
	if d.tls == nil {
		return nil
	}
	return d.tls.Config()
}

// httpAddress returns the bound whiteboard listener address, if any
func (d *daemon) httpAddress() string {
	if d.httpListener == nil {
		return ""
	}
	return d.httpListener.Addr().String()
}

func (d *daemon) startDiag() error {
	collector := diag.NewCollector(d.registry,
		diag.WithGraph(d.graph),
		diag.WithRouting(d.contexts),
		diag.WithConfigAdmin(d.admin),
		diag.WithSystemName(appName))

	opts := []diag.Option{
		diag.WithAddr(d.cfg.Diag.Addr),
		diag.WithLogger(d.logger),
		diag.WithEventRate(d.cfg.Diag.EventRate, d.cfg.Diag.EventBurst),
		diag.WithClientQueue(d.cfg.Diag.ClientQueue),
		diag.WithMetrics(d.metrics),
	}
	if tc := d.listenerTLS(); tc != nil {
		opts = append(opts, diag.WithTLS(tc))
	}
	server, err := diag.NewServer(collector, opts...)
	if err != nil {
		return fmt.Errorf("create diag server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start diag server: %w", err)
	}
	d.diagServer = server
	return nil
}

func (d *daemon) startNATS(ctx context.Context) error {
	nc := d.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait.Std()),
		natsclient.WithMetrics(d.metrics),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				d.monitor.UpdateHealthy("nats", "connected")
			} else {
				d.monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		tc, err := tlsutil.LoadClientConfig(nc.TLS)
		if err != nil {
			return fmt.Errorf("load NATS TLS configuration: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tc))
	}

	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	d.nats = client
	if err := connectToNATS(ctx, client); err != nil {
		return err
	}
	d.monitor.UpdateHealthy("nats", "connected")

	d.publisher, err = natsbridge.NewPublisher(client,
		natsbridge.WithPrefix(nc.Prefix),
		natsbridge.WithLogger(d.logger),
		natsbridge.WithPool(nc.PublishWorkers, nc.PublishQueue),
		natsbridge.WithMetrics(d.metrics))
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	if err := d.publisher.Start(ctx, d.registry, d.graph); err != nil {
		return fmt.Errorf("start event publisher: %w", err)
	}

	d.artifacts = natsbridge.NewArtifactSubscriber(client, d.tracker, nc.Prefix, d.logger)
	if err := d.artifacts.Start(ctx); err != nil {
		return fmt.Errorf("start artifact subscriber: %w", err)
	}

	if nc.ConfigBucket != "" {
		if err := d.startConfigFeed(ctx, nc.ConfigBucket); err != nil {
			return err
		}
	}
	return nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, client *natsclient.Client) error {
	slog.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func (d *daemon) startConfigFeed(ctx context.Context, bucketName string) error {
	bucket, err := d.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "depkit configurations keyed by pid",
		History:     5,
	})
	if err != nil {
		return fmt.Errorf("open configuration bucket %s: %w", bucketName, err)
	}

	d.configFeed = configadmin.NewKVSource(d.admin, d.nats.NewKVStore(bucket), d.logger)
	if err := d.configFeed.Start(ctx); err != nil {
		return fmt.Errorf("watch configuration bucket %s: %w", bucketName, err)
	}

	select {
	case <-d.configFeed.Ready():
		d.logger.Info("Configuration bucket applied", "bucket", bucketName)
	case <-time.After(kvReadyTimeout):
		d.logger.Warn("Configuration bucket not applied yet, continuing", "bucket", bucketName)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// stop tears everything down in reverse start order. Network surfaces go
// first so no new work arrives, then components, then the registry.
func (d *daemon) stop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if r := time.Until(deadline); r > 0 {
			return r
		}
		return time.Millisecond
	}

	var errs []error
	collect := func(what string, err error) {
		if err != nil {
			d.logger.Error("Shutdown step failed", "step", what, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	if d.configFeed != nil {
		collect("configuration feed", d.configFeed.Stop())
	}
	if d.artifacts != nil {
		collect("artifact subscriber", d.artifacts.Stop())
	}
	if d.publisher != nil {
		collect("event publisher", d.publisher.Stop(remaining()))
	}
	if d.diagServer != nil {
		collect("diag server", d.diagServer.Stop(remaining()))
	}
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remaining())
		collect("http server", d.httpServer.Shutdown(ctx))
		cancel()
	}
	if d.metricsServer != nil {
		collect("metrics server", d.metricsServer.Stop(remaining()))
	}
	d.tls.Close()

	if d.status != nil {
		err := d.status.Unregister(context.Background())
		if !errors.IsState(err) {
			collect("status handler", err)
		}
	}

	collect("artifact tracker", d.tracker.Close(remaining()))

	graphCtx, cancel := context.WithTimeout(context.Background(), remaining())
	collect("dependency graph", d.graph.Shutdown(graphCtx))
	cancel()

	d.stopWatch()
	d.whiteboard.Close()
	d.contexts.Close()
	collect("configuration admin", d.admin.Close(remaining()))

	regCtx, cancel := context.WithTimeout(context.Background(), remaining())
	collect("registry", d.registry.Close(regCtx))
	cancel()

	if d.nats != nil {
		natsCtx, cancel := context.WithTimeout(context.Background(), remaining())
		collect("nats", d.nats.Close(natsCtx))
		cancel()
	}

	return stderrors.Join(errs...)
}
