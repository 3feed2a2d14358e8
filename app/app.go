// Package app wires the socket-state runtime: config, logging, backing
// clients, the token lifecycle service, the session registry, the event
// propagator and the HTTP surface (websocket gateway, auth API, probes and
// metrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	authapi "github.com/itsthenavid/arc-sockstate/auth/api"
	"github.com/itsthenavid/arc-sockstate/auth/session"
	"github.com/itsthenavid/arc-sockstate/identity"
	"github.com/itsthenavid/arc-sockstate/realtime"
)

// App owns the runtime's resources and HTTP wiring.
type App struct {
	cfg Config
	log *slog.Logger

	metricsReg *prometheus.Registry

	db  *pgxpool.Pool
	rdb *redis.Client
	nc  *nats.Conn

	sessions   *session.Service
	registry   *realtime.Registry
	transport  realtime.Transport
	propagator *realtime.Propagator
	ws         *realtime.WSGateway

	handler http.Handler

	closeOnce sync.Once
}

// Option customizes an App.
type Option func(*options)

type options struct {
	profiles identity.ProfileStore
	hooks    realtime.Hooks
	handler  realtime.MessageHandler
	redis    *redis.Client
	gateway  []realtime.GatewayOption
}

// WithProfileStore overrides the profile collaborator. Without it profiles
// come from Postgres when ARC_DATABASE_URL is set and are skipped otherwise.
func WithProfileStore(p identity.ProfileStore) Option {
	return func(o *options) { o.profiles = p }
}

// WithHooks appends lifecycle hooks after the built-in logging hooks.
func WithHooks(hooks ...any) Option {
	return func(o *options) { o.hooks = append(o.hooks, hooks...) }
}

// WithMessageHandler routes application envelopes from clients to h, wrapped
// by mw in order (for example realtime.RequireAuthenticated).
func WithMessageHandler(h realtime.MessageHandler, mw ...realtime.MessageMiddleware) Option {
	return func(o *options) {
		if h != nil {
			h = realtime.ChainMessageHandler(h, mw...)
		}
		o.handler = h
	}
}

// WithAuthenticatedMessageHandler is WithMessageHandler for handlers that
// must never see anonymous connections.
func WithAuthenticatedMessageHandler(h realtime.MessageHandler) Option {
	return WithMessageHandler(h, realtime.RequireAuthenticated)
}

// WithRedisClient supplies a ready Redis client instead of dialing
// ARC_REDIS_HOST. The App closes it on shutdown.
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *options) { o.redis = rdb }
}

// WithGatewayOptions forwards options to the websocket gateway.
func WithGatewayOptions(opts ...realtime.GatewayOption) Option {
	return func(o *options) { o.gateway = append(o.gateway, opts...) }
}

// New constructs a fully wired App. Resources acquired before a failure are
// released.
func New(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{cfg: cfg, log: log, rdb: o.redis}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metricsReg = prometheus.NewRegistry()
	a.metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(a.metricsReg)

	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	a.sessions, err = a.newSessionService(ctx)
	if err != nil {
		return nil, err
	}

	profiles := o.profiles
	if profiles == nil && a.db != nil {
		profiles, err = identity.NewPostgresProfileStore(a.db)
		if err != nil {
			return nil, err
		}
	}

	a.registry = realtime.NewRegistry()
	if a.transport, err = a.newTransport(); err != nil {
		return nil, err
	}

	codec, err := realtime.CodecByName(cfg.FanoutCodec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	propOpts := []realtime.PropagatorOption{
		realtime.WithCodec(codec),
		realtime.WithLogger(log),
		realtime.WithMetrics(metrics),
	}
	if cfg.InstanceID != "" {
		propOpts = append(propOpts, realtime.WithInstanceID(cfg.InstanceID))
	}
	if cfg.FanoutChannelPrefix != "" {
		propOpts = append(propOpts, realtime.WithChannelPrefix(cfg.FanoutChannelPrefix))
	}
	a.propagator, err = realtime.NewPropagator(a.transport, a.registry, propOpts...)
	if err != nil {
		return nil, err
	}

	hooks := append(realtime.Hooks{realtime.LogHooks{Log: log, Gateway: "ws"}}, o.hooks...)
	authn, err := realtime.NewAuthenticator(a.sessions, a.registry, realtime.AuthenticatorConfig{
		Profiles: profiles,
		Log:      log,
		Metrics:  metrics,
		Hooks:    hooks,
	})
	if err != nil {
		return nil, err
	}

	gwOpts := o.gateway
	if o.handler != nil {
		gwOpts = append(gwOpts, realtime.WithMessageHandler(o.handler))
	}
	a.ws, err = realtime.NewWSGateway(log, authn, gwOpts...)
	if err != nil {
		return nil, err
	}

	var authOpts []authapi.HandlerOption
	if profiles != nil {
		authOpts = append(authOpts, authapi.WithProfiles(profiles))
	}
	authHandler, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), a.sessions, authOpts...)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	a.registerHTTP(mux, authHandler)
	a.handler = WithRequestLogging(mux, log)

	log.Info("app.ready",
		"pubsub", cfg.PubSubDriver,
		"codec", codec.Name(),
		"session_store", cfg.SessionStore,
		"instance_id", a.propagator.InstanceID(),
		"db_enabled", a.db != nil,
	)
	return a, nil
}

// connect opens the backing clients the configuration asks for.
func (a *App) connect(ctx context.Context) error {
	var err error
	if a.cfg.DatabaseURL != "" {
		if a.db, err = NewDBPool(ctx, a.cfg); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	}
	if a.cfg.needsRedis() && a.rdb == nil {
		if a.rdb, err = NewRedisClient(ctx, a.cfg); err != nil {
			return err
		}
	}
	if a.cfg.PubSubDriver == DriverNATS {
		if a.nc, err = NewNATSConn(ctx, a.cfg, a.log); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) newSessionService(ctx context.Context) (*session.Service, error) {
	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewAccessTokenManager(scfg)
	if err != nil {
		return nil, err
	}
	hasher, err := NewTokenHasher(a.cfg)
	if err != nil {
		return nil, err
	}

	var (
		refresh session.RefreshStore
		revoked session.RevocationStore
	)
	switch a.cfg.SessionStore {
	case DriverRedis:
		st, err := session.NewRedisStore(a.rdb)
		if err != nil {
			return nil, err
		}
		refresh, revoked = st, st
	case DriverPostgres:
		st, err := session.NewPostgresStore(a.db)
		if err != nil {
			return nil, err
		}
		if a.cfg.DBEnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("session schema: %w", err)
			}
		}
		refresh, revoked = st, st
	default:
		a.log.Warn("session.store.memory", "note", "refresh tokens and revocations are process-local")
		st := session.NewMemoryStore()
		refresh, revoked = st, st
	}

	return session.NewService(scfg, tokens, refresh, revoked,
		session.WithHasher(hasher),
		session.WithLogger(a.log),
	)
}

func (a *App) newTransport() (realtime.Transport, error) {
	switch a.cfg.PubSubDriver {
	case DriverRedis:
		t, err := realtime.NewRedisTransport(a.rdb, a.cfg.FanoutBuffer)
		if err != nil {
			return nil, err
		}
		return t, nil
	case DriverNATS:
		t, err := realtime.NewNATSTransport(a.nc, a.cfg.FanoutBuffer)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return realtime.NewMemoryBus(a.cfg.FanoutBuffer), nil
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Propagator emits events to connections on every instance.
func (a *App) Propagator() *realtime.Propagator { return a.propagator }

// Registry is this instance's session registry.
func (a *App) Registry() *realtime.Registry { return a.registry }

// Sessions is the token lifecycle service.
func (a *App) Sessions() *session.Service { return a.sessions }

// Run subscribes the propagator, serves HTTP on ln (or Config.HTTPAddr when
// ln is nil) and blocks until ctx is cancelled or a component fails. All
// resources are released before it returns.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.HTTPAddr)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.propagator.Start(gctx); err != nil {
		_ = ln.Close()
		if ctx.Err() != nil {
			// Stopped before the propagator could subscribe.
			return nil
		}
		return err
	}
	g.Go(a.propagator.Wait)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		a.log.Info("server.start", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the transport and backing clients. It is safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.transport != nil {
			if err := a.transport.Close(); err != nil {
				a.log.Warn("transport.close.fail", "err", err)
			}
		}
		if a.nc != nil {
			a.nc.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Warn("redis.close.fail", "err", err)
			}
		}
		if a.db != nil {
			a.db.Close()
		}
	})
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
