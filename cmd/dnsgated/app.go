package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/dnsgate/internal/dns/common/clock"
	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/config"
	"github.com/haukened/dnsgate/internal/dns/gateways/httpapi"
	"github.com/haukened/dnsgate/internal/dns/gateways/transport"
	"github.com/haukened/dnsgate/internal/dns/gateways/upstream"
	"github.com/haukened/dnsgate/internal/dns/gateways/wire"
	"github.com/haukened/dnsgate/internal/dns/repos/policycache"
	"github.com/haukened/dnsgate/internal/dns/services/policy"
	"github.com/haukened/dnsgate/internal/dns/services/resolver"
	"github.com/haukened/dnsgate/internal/dns/services/sessions"
)

const defaultShutdownTimeout = 10 * time.Second

// Application holds all the components of the gateway.
type Application struct {
	config   *config.AppConfig
	logger   log.Logger
	store    appStore
	cache    policycache.Cache
	codec    *wire.Codec
	resolver *resolver.Resolver
	udp      transport.ServerTransport
	tcp      transport.ServerTransport
	http     *httpapi.Server

	ready chan struct{}
}

// buildApplication constructs all components and wires them together.
func buildApplication(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cache := policycache.New(cfg.Policy.CacheSize, cfg.Policy.CacheTTL)
	log.Info(map[string]any{
		"size":    cfg.Policy.CacheSize,
		"ttl":     cfg.Policy.CacheTTL.String(),
		"enabled": cfg.Policy.CacheSize > 0 && cfg.Policy.CacheTTL > 0,
	}, "Policy cache configured")

	forwarder, err := upstream.NewResolver(upstream.Options{
		Servers:  cfg.DNS.Upstream,
		Timeout:  cfg.DNS.Timeout,
		Parallel: cfg.DNS.Parallel,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	log.Info(map[string]any{
		"servers":  cfg.DNS.Upstream,
		"timeout":  cfg.DNS.Timeout.String(),
		"parallel": cfg.DNS.Parallel,
	}, "Upstream DNS client configured")

	mgr := sessions.NewManager(sessions.Options{
		Store:  st,
		Clock:  clk,
		Cache:  cache,
		Logger: logger,
	})

	resolverService := resolver.NewResolver(resolver.ResolverOptions{
		Clock:  clk,
		Logger: logger,
		Policy: policy.NewResolver(policy.Options{
			Store:  st,
			Cache:  cache,
			Logger: logger,
		}),
		Upstream: forwarder,
	})

	codec := wire.NewCodec(logger)
	udp, err := transport.NewTransport(transport.TransportUDP, cfg.DNS.Listen, codec, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Options{
		Addr:         cfg.HTTP.Listen,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Sessions:     mgr,
		Health:       st,
		Logger:       logger,
	})

	return &Application{
		config:   cfg,
		logger:   logger,
		store:    st,
		cache:    cache,
		codec:    codec,
		resolver: resolverService,
		udp:      udp,
		http:     api,
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once every listener is bound.
func (app *Application) Ready() <-chan struct{} { return app.ready }

// Run starts the DNS and HTTP surfaces and blocks until ctx is cancelled.
// The store is closed before Run returns.
func (app *Application) Run(ctx context.Context) error {
	defer func() {
		if err := app.store.Close(); err != nil {
			app.logger.Warn(map[string]any{"error": err}, "Error closing store")
		}
	}()

	if err := app.start(ctx); err != nil {
		app.stop()
		return err
	}
	close(app.ready)

	app.logger.Info(map[string]any{
		"dns":  app.udp.Address(),
		"http": app.http.Address(),
	}, "dnsgate started")

	<-ctx.Done()
	app.logger.Info(nil, "Shutdown initiated")
	return app.stop()
}

func (app *Application) start(ctx context.Context) error {
	if err := app.udp.Start(ctx, app.resolver); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}

	// TCP shares the UDP port so truncated replies can be retried.
	tcp, err := transport.NewTransport(transport.TransportTCP, app.udp.Address(), app.codec, app.logger)
	if err != nil {
		return err
	}
	if err := tcp.Start(ctx, app.resolver); err != nil {
		return fmt.Errorf("failed to start TCP transport: %w", err)
	}
	app.tcp = tcp

	if err := app.http.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (app *Application) stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.http.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if app.tcp != nil {
		if err := app.tcp.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("tcp: %w", err))
		}
	}
	if err := app.udp.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("udp: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Warn(map[string]any{"error": err}, "Error during shutdown")
		return err
	}
	hits, misses, evictions := app.cache.Stats()
	app.logger.Info(map[string]any{
		"cache_hits":      hits,
		"cache_misses":    misses,
		"cache_evictions": evictions,
	}, "Graceful shutdown completed")
	return nil
}
