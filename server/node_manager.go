package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net"
	"net/http"
	"streamctl/server/base"
	"streamctl/server/config"
	"streamctl/server/metrics"
	"streamctl/server/storage"
	"streamctl/server/stream"
	"streamctl/util"
	"streamctl/util/logging"
	"sync"
	"time"
)

const kShutdownTimeout = 5 * time.Second

// NodeManager hosts the stream metadata store of one controller node: the configured store backend, the metrics
// registry and the /metrics endpoint.
type NodeManager struct {
	cfg      *config.Config
	logger   *logging.PrefixLogger
	registry *prometheus.Registry
	vs       storage.VersionedStore
	store    *stream.MetadataStore

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	serveDone  chan struct{}
	closed     bool
}

// NewNodeManager opens the store described by cfg and builds the metadata store over it.
func NewNodeManager(cfg *config.Config) (*NodeManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nm := &NodeManager{cfg: cfg, logger: logging.NewPrefixLogger("NodeManager")}
	var storeMetrics *metrics.StoreMetrics
	var workflowMetrics *metrics.WorkflowMetrics
	if cfg.Metrics.Enabled {
		nm.registry = prometheus.NewRegistry()
		nm.registry.MustRegister(collectors.NewGoCollector())
		storeMetrics = metrics.NewStoreMetrics(cfg.Metrics.Namespace, nm.registry)
		workflowMetrics = metrics.NewWorkflowMetrics(cfg.Metrics.Namespace, nm.registry)
	}
	vs, err := storage.OpenStore(cfg.Store, storeMetrics, logging.NewPrefixLoggerWithParent("storage", nm.logger))
	if err != nil {
		return nil, err
	}
	nm.vs = vs
	nm.store = stream.NewMetadataStore(vs,
		stream.WithWorkflowMetrics(workflowMetrics),
		stream.WithTransactionLimits(cfg.Transactions.MaxLease, cfg.Transactions.MaxExecutionTime),
		stream.WithLogger(logging.NewPrefixLoggerWithParent("metadata", nm.logger)))
	nm.logger.Infof("Opened %s metadata store", cfg.Store.Backend)
	return nm, nil
}

func (nm *NodeManager) Store() *stream.MetadataStore {
	return nm.store
}

// Registry returns the metrics registry, or nil if metrics are disabled.
func (nm *NodeManager) Registry() *prometheus.Registry {
	return nm.registry
}

// Retry runs fn with the configured backoff policy for as long as it fails with a retryable metadata error.
func (nm *NodeManager) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return util.RetryWithBackoff(ctx, nm.cfg.Retry.Policy(), base.IsRetryable, fn)
}

// Start serves /metrics in the background if metrics are enabled and a listen address is configured.
func (nm *NodeManager) Start() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.closed {
		return errors.New("node manager is closed")
	}
	if nm.registry == nil || nm.cfg.Metrics.ListenAddr == "" || nm.httpServer != nil {
		return nil
	}
	listener, err := net.Listen("tcp", nm.cfg.Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", nm.cfg.Metrics.ListenAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(nm.registry, promhttp.HandlerOpts{}))
	nm.listener = listener
	nm.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	nm.serveDone = make(chan struct{})
	go func() {
		defer close(nm.serveDone)
		if err := nm.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nm.logger.Errorf("Metrics endpoint stopped: %v", err)
		}
	}()
	nm.logger.Infof("Serving metrics on %s", listener.Addr().String())
	return nil
}

// MetricsAddr returns the address /metrics is served on, or "" if it is not served.
func (nm *NodeManager) MetricsAddr() string {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.listener == nil {
		return ""
	}
	return nm.listener.Addr().String()
}

// Run starts the node and blocks until ctx is done, then closes it.
func (nm *NodeManager) Run(ctx context.Context) error {
	if err := nm.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nm.Close()
}

func (nm *NodeManager) Close() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.closed {
		return nil
	}
	nm.closed = true
	if nm.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), kShutdownTimeout)
		if err := nm.httpServer.Shutdown(ctx); err != nil {
			nm.logger.Warningf("Unable to shut down metrics endpoint: %v", err)
		}
		cancel()
		<-nm.serveDone
	}
	nm.logger.Infof("Closing metadata store")
	return nm.vs.Close()
}
