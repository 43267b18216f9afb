package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"simularium/broker/internal/auth"
	"simularium/broker/internal/broadcast"
	configpkg "simularium/broker/internal/config"
	"simularium/broker/internal/httpapi"
	"simularium/broker/internal/input"
	"simularium/broker/internal/logging"
	"simularium/broker/internal/metrics"
	"simularium/broker/internal/networking"
	"simularium/broker/internal/objectstore"
	"simularium/broker/internal/orchestrator"
	"simularium/broker/internal/registry"
	"simularium/broker/internal/router"
	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/simpkg/reference"
	"simularium/broker/internal/simulation"
	"simularium/broker/internal/trajcache"
	"simularium/broker/internal/wire"
)

const grpcAddress = ":9003"

// Compile-time checks that the concrete types wired together below satisfy
// the narrow interfaces each consumer actually depends on.
var (
	_ orchestrator.Simulator  = (*simulation.Simulation)(nil)
	_ orchestrator.Cache      = (*trajcache.Cache)(nil)
	_ orchestrator.Sender     = (*wire.Hub)(nil)
	_ broadcast.CacheReader   = (*simulation.Simulation)(nil)
	_ broadcast.Sender        = (*wire.Hub)(nil)
	_ router.SimulationDriver = (*simulation.Simulation)(nil)
	_ wire.Dispatcher         = (*orchestrator.Orchestrator)(nil)
	_ wire.Registrar          = (*registry.Registry)(nil)
)

// readinessAdapter satisfies httpapi.ReadinessProvider off the client
// registry and process start time; there is no separate startup-error
// state to report once construction above has already succeeded.
type readinessAdapter struct {
	registry  *registry.Registry
	startedAt time.Time
}

func (r readinessAdapter) Count() int            { return r.registry.Count() }
func (r readinessAdapter) StartupError() error   { return nil }
func (r readinessAdapter) Uptime() time.Duration { return time.Since(r.startedAt) }

func main() {
	startedAt := time.Now()

	noTimeout := flag.Bool("no-timeout", false, "disable the no-client shutdown timeout")
	forceInit := flag.Bool("force-init", false, "rebuild a trajectory's cache even if one already exists")
	noUpload := flag.Bool("no-upload", false, "do not publish built caches back to the object store")
	flag.Parse()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.NoTimeout = cfg.NoTimeout || *noTimeout
	cfg.ForceInit = cfg.ForceInit || *forceInit
	cfg.NoUpload = cfg.NoUpload || *noUpload

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing WebSocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}

	registerer := prometheus.NewRegistry()
	collectors := metrics.New(registerer)

	ctx, cancelObjectStore := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := objectstore.New(ctx, objectstore.Options{
		Bucket: cfg.ObjectStoreBucket,
		Region: cfg.ObjectStoreRegion,
		Prefix: cfg.ObjectStorePrefix,
		Logger: logger.With(logging.String("component", "objectstore")),
	})
	cancelObjectStore()
	if err != nil {
		logger.Fatal("failed to initialise object store", logging.Error(err))
	}

	cache := trajcache.New(cfg.CacheDir, logger.With(logging.String("component", "trajcache")),
		trajcache.WithObjectStore(store),
		trajcache.WithMetrics(collectors),
	)

	pkg := reference.New(reference.Config{AgentCount: 64, RingRadius: 10, AngularStepNs: 1e-9})
	sim := simulation.New(cache, pkg)

	reg := registry.New()

	bandwidth := networking.NewBandwidthRegulator(float64(cfg.MaxPayloadBytes)*10, time.Now)

	var verifier *auth.HMACTokenVerifier
	if cfg.AuthSecret != "" {
		verifier, err = auth.NewHMACTokenVerifier(cfg.AuthSecret, 30*time.Second)
		if err != nil {
			logger.Fatal("failed to configure WebSocket authenticator", logging.Error(err))
		}
		logger.Info("websocket JWT authentication enabled")
	} else {
		logger.Info("websocket authentication disabled")
	}

	// Orchestrator and Hub each need a reference to the other (Hub dispatches
	// inbound frames to the Orchestrator; the Orchestrator sends outbound
	// frames through the Hub), so the Orchestrator is constructed first with
	// its Sender/Broadcaster/Router left unset and wired in afterward via
	// setters.
	orch := orchestrator.New(orchestrator.Config{
		Registry:          reg,
		Sim:               sim,
		Cache:             cache,
		Pkgs:              []simpkg.SimPkg{pkg},
		Logger:            logger.With(logging.String("component", "orchestrator")),
		Metrics:           collectors,
		SimTickInterval:   cfg.SimTickInterval,
		HeartbeatInterval: configpkg.DefaultPingInterval,
		FileIOInterval:    cfg.FileIOInterval,
		NoClientTimeout:   cfg.NoClientTimeout,
		NoTimeout:         cfg.NoTimeout,
		ForceInit:         cfg.ForceInit,
		NoUpload:          cfg.NoUpload,
	})

	hub := wire.NewHub(wire.Options{
		Dispatcher:      orch,
		Registrar:       reg,
		Verifier:        verifier,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		MaxClients:      cfg.MaxClients,
		Logger:          logger.With(logging.String("component", "wire")),
	})
	orch.SetSender(hub)

	broadcaster := broadcast.New(sim, hub, reg, bandwidth, logger.With(logging.String("component", "broadcast")))
	broadcaster.SetMetrics(collectors)
	orch.SetBroadcaster(broadcaster)

	gate := input.NewGate(input.Config{MaxAge: 2 * time.Second, MinInterval: 10 * time.Millisecond}, logger.With(logging.String("component", "gate")))
	msgRouter := router.New(reg, sim, orch.FileRequestQueue(), orch.SeekRequestQueue(), gate, logger.With(logging.String("component", "router")))
	orch.SetRouter(msgRouter)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	orch.Start(serverCtx)
	defer orch.CloseServer()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		listener, err := net.Listen("tcp", grpcAddress)
		if err != nil {
			logger.Fatal("failed to start gRPC health listener", logging.Error(err), logging.String("address", grpcAddress))
		}
		logger.Info("gRPC health server listening", logging.String("address", grpcAddress))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC health server terminated", logging.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger: logger.With(logging.String("component", "httpapi")),
		Readiness: readinessAdapter{
			registry:  reg,
			startedAt: startedAt,
		},
		Stats:    func() (int, int) { return 0, reg.Count() },
		Clients:  reg,
		Gatherer: registerer,
		Rebuilder: orch.FileRequestQueue(),
	})
	routes := mux.NewRouter()
	handlers.Register(routes)
	routes.Handle("/ws", hub)

	addr := fmt.Sprintf(":%d", configpkg.DefaultListenPort)
	httpServer := &http.Server{Addr: addr, Handler: routes}

	certProvided := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	if certProvided {
		cert, err := wire.LoadServerIdentity(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSPassword)
		if err != nil {
			logger.Fatal("failed to load TLS identity", logging.Error(err))
		}
		httpServer.TLSConfig = wire.TLSConfig(cert, cfg.TLSModern)
	}

	logger.Info("broker listening", logging.String("address", addr), logging.Bool("tls", certProvided))

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if certProvided {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutting down on signal", logging.String("signal", sig.String()))
	case <-orch.ShutdownRequested():
		logger.Info("shutting down: no clients connected past the no-client timeout")
	case err := <-serveErr:
		if err != nil {
			logger.Error("broker server terminated unexpectedly", logging.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", logging.Error(err))
	}
	hub.Shutdown()
	serverCancel()
	orch.CloseServer()
}
