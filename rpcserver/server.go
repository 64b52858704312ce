// Package rpcserver exposes escrowcore's business operations (spec.md
// §6) over a JSON/HTTP boundary and a minimal gRPC surface carrying only
// health checks. Hand-writing proto.Message and grpc.ServiceDesc
// implementations for the full business API, with no protoc available
// to catch mistakes, was judged too failure-prone (see DESIGN.md's
// "gRPC surface without protoc" decision); this package still gives
// every relevant library in the stack a real, wired home:
// grpc-gateway/v2's runtime.ServeMux provides the path-templated router
// (the same mechanism generated gateway code would use, just registered
// by hand instead of from a .proto), grpc-middleware chains interceptors
// for the health service, grpc-prometheus instruments it and exposes the
// counters at /metrics via promhttp, and a plain http middleware chain
// applies the same logging/recovery discipline to the JSON handlers.
//
// Lifecycle follows the teacher's own rpcServer: atomic-guarded Start
// and Stop so either is safe to call more than once, and a
// sync.WaitGroup tracking the listener goroutines Stop waits on.
package rpcserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/btcsuite/btclog"

	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/releaser"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// HeightSource reports the current chain tip height, used by
// triggerOutcome to evaluate a loan's recovery timelock. Satisfied by
// chainadapter.NeutrinoAdapter and chainadapter.Mock (BlockHeight is not
// part of chainadapter.BlockchainAdapter); kept as its own narrow
// interface so rpcserver's tests don't need a full BlockchainAdapter.
type HeightSource interface {
	BlockHeight(ctx context.Context) (uint32, error)
}

// Config bundles rpcserver's collaborators and listen addresses.
type Config struct {
	Coordinator *ceremony.Coordinator
	Releaser    *releaser.Releaser
	Rates       ltvmonitor.RateSource // optional: nil skips LTV pricing in triggerOutcome
	Height      HeightSource          // optional: nil treats recovery timelocks as not yet expired
	Thresholds  ltvmonitor.Thresholds // zero value uses ltvmonitor.DefaultThresholds

	HTTPAddr string // JSON/gateway listen address, e.g. ":8080"
	GRPCAddr string // health-only gRPC listen address, e.g. ":8090"
	TLS      *tls.Config // optional; nil serves plaintext (development/tests)

	RateLimitPerSecond float64 // per-client token bucket rate; 0 uses DefaultRateLimitPerSecond
	RateLimitBurst     int     // per-client burst; 0 uses DefaultRateLimitBurst
}

// Default per-client rate-limit settings, generous enough for a single
// operator's automation to never notice while still bounding a runaway
// or malicious caller's request rate against the ceremony coordinator.
const (
	DefaultRateLimitPerSecond = 20.0
	DefaultRateLimitBurst     = 40
)

// Server runs the JSON/HTTP boundary and the health-only gRPC service.
type Server struct {
	cfg Config

	started  int32
	shutdown int32

	httpSrv   *http.Server
	grpcSrv   *grpc.Server
	healthSrv *health.Server

	wg   sync.WaitGroup
	quit chan struct{}
}

// New constructs a Server. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.Thresholds == (ltvmonitor.Thresholds{}) {
		cfg.Thresholds = ltvmonitor.DefaultThresholds
	}
	if cfg.RateLimitPerSecond == 0 {
		cfg.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = DefaultRateLimitBurst
	}
	return &Server{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start begins serving both the HTTP/JSON boundary and the gRPC health
// service. Safe to call more than once; only the first call has effect,
// matching the teacher's rpcServer.Start atomic guard.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.healthSrv = health.NewServer()
	s.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	unaryChain := grpc_middleware.ChainUnaryServer(
		loggingUnaryInterceptor,
		grpc_prometheus.UnaryServerInterceptor,
	)
	var opts []grpc.ServerOption
	opts = append(opts, grpc.UnaryInterceptor(unaryChain))
	if s.cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.cfg.TLS)))
	}
	s.grpcSrv = grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.healthSrv)
	grpc_prometheus.Register(s.grpcSrv)

	limiter := newClientLimiter(s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst)

	top := http.NewServeMux()
	top.Handle("/metrics", promhttp.Handler())
	top.Handle("/", limiter.middleware(s.newGatewayMux()))
	handler := chainMiddleware(top, recoveryMiddleware, loggingMiddleware)
	s.httpSrv = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		TLSConfig:    s.cfg.TLS,
	}

	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("rpcserver: listening on %s: %w", s.cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("rpcserver: listening on %s: %w", s.cfg.HTTPAddr, err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcSrv.Serve(grpcLis); err != nil {
			log.Errorf("rpcserver: grpc server stopped: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		var serveErr error
		if s.cfg.TLS != nil {
			serveErr = s.httpSrv.ServeTLS(httpLis, "", "")
		} else {
			serveErr = s.httpSrv.Serve(httpLis)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Errorf("rpcserver: http server stopped: %v", err)
		}
	}()

	log.Infof("rpcserver: serving json on %s, grpc health on %s", s.cfg.HTTPAddr, s.cfg.GRPCAddr)
	return nil
}

// Stop gracefully shuts down both servers. Safe to call more than once.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	close(s.quit)

	if s.healthSrv != nil {
		s.healthSrv.Shutdown()
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Errorf("rpcserver: http shutdown: %v", err)
		}
	}

	s.wg.Wait()
	return nil
}

// newGatewayMux registers every spec.md §6 operation on a
// grpc-gateway/v2 runtime.ServeMux, the same router generated gateway
// code uses, via its public HandlePath escape hatch for handlers that
// don't originate from a .proto service definition.
func (s *Server) newGatewayMux() *runtime.ServeMux {
	mux := runtime.NewServeMux()

	mux.HandlePath(http.MethodPost, "/v1/loans", s.handlePostLoan)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/commit-lender", s.handleCommitLender)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/keys", s.handleRegisterKey)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/address", s.handleDeriveAddress)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/funding", s.handleDeclareFunding)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/signatures", s.handleSubmitSignature)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/repaid", s.handleDeclareRepaid)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/fiat-confirmed", s.handleDeclareFiatConfirmed)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/outcome", s.handleTriggerOutcome)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/recovery", s.handleRequestRecovery)
	mux.HandlePath(http.MethodPost, "/v1/loans/{loan_id}/admin-decision", s.handleAdminDecide)

	return mux
}
