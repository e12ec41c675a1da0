// Package server runs the shellgate policy service: classification and
// gate dry runs over gRPC, plus Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/config"
	"github.com/ppiankov/shellgate/internal/metrics"
	"github.com/ppiankov/shellgate/internal/model"
)

// DefaultAddr is the default gRPC listen address.
const DefaultAddr = "127.0.0.1:7843"

const maxEvaluateCommands = 64

// Config holds policy service configuration.
type Config struct {
	// Addr is the gRPC listen address.
	Addr string
	// MetricsAddr serves /metrics and /healthz; empty disables it.
	MetricsAddr string
	// ConfigPath and DenylistPath are loaded at start and on reload. An
	// empty DenylistPath uses security.denylist_path from the config.
	ConfigPath   string
	DenylistPath string
	// Watch reloads when either file changes.
	Watch   bool
	Grants  *approval.GrantStore
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Server implements PolicyServer.
type Server struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	classifier   *classify.Classifier
	gate         *approval.Gate
	policyHash   string
	denylistPath string

	grpcServer *grpc.Server
	health     *health.Server
}

// New loads the config and deny list and registers the services.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{cfg: cfg, log: cfg.Log, metrics: cfg.Metrics}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	var opts []approval.GateOption
	if cfg.Grants != nil {
		opts = append(opts, approval.WithGrants(cfg.Grants))
	}
	s.classifier = snap.classifier
	s.gate = approval.NewGate(snap.policy, opts...)
	s.policyHash = snap.hash
	s.denylistPath = snap.denylistPath

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterPolicyServer(s.grpcServer, s)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Run listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs gRPC on lis, plus the metrics endpoint and the reloader when
// configured, until ctx is cancelled or one of them fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	var w *config.Watcher
	if s.cfg.Watch {
		var err error
		if w, err = s.newWatcher(); err != nil {
			lis.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("policy service listening", zap.String("addr", lis.Addr().String()))
		return s.grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	})

	if s.cfg.MetricsAddr != "" {
		httpSrv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.HTTPHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if w != nil {
		g.Go(func() error { return w.Run(ctx) })
		g.Go(func() error { return s.watchReloads(ctx, w) })
	}

	return g.Wait()
}

// HTTPHandler serves /metrics and /healthz.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// PolicyHash returns the hash of the config currently in force.
func (s *Server) PolicyHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policyHash
}

func (s *Server) current() (*classify.Classifier, *approval.Gate, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier, s.gate, s.policyHash
}

// Classify implements PolicyServer.
func (s *Server) Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd := strings.TrimSpace(req.GetFields()["command"].GetStringValue())
	if cmd == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	c, _, _ := s.current()
	res := c.Explain(cmd)
	s.metrics.ObservePolicyRequest("classify", res.Risk.String())

	return structpb.NewStruct(map[string]any{
		"command":   cmd,
		"risk":      res.Risk.String(),
		"label":     res.Risk.Label(),
		"denied":    res.Risk == model.Denied,
		"reason":    res.Reason,
		"warnings":  stringList(res.Warnings),
		"defaulted": res.Defaulted,
	})
}

// Evaluate implements PolicyServer. Hooks and the security judge are not
// run.
func (s *Server) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	values := fields["commands"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, status.Error(codes.InvalidArgument, "commands is required")
	}
	if len(values) > maxEvaluateCommands {
		return nil, status.Errorf(codes.InvalidArgument, "too many commands: %d (max %d)", len(values), maxEvaluateCommands)
	}

	c, gate, hash := s.current()
	cmds := make([]model.ProposedCommand, len(values))
	for i, v := range values {
		cmd := strings.TrimSpace(v.GetStringValue())
		if cmd == "" {
			return nil, status.Errorf(codes.InvalidArgument, "commands[%d] is empty", i)
		}
		cmds[i] = c.Propose(cmd, "")
	}
	verdicts := gate.Evaluate(ctx, approval.Batch{
		SessionID: fields["session_id"].GetStringValue(),
		Turn:      1,
		Commands:  cmds,
	})

	out := make([]any, len(verdicts))
	for i, v := range verdicts {
		s.metrics.ObservePolicyRequest("evaluate", v.Command.Risk.String())
		out[i] = map[string]any{
			"command":   v.Command.Command,
			"risk":      v.Command.Risk.String(),
			"verdict":   v.Kind.String(),
			"method":    v.Method,
			"reason":    v.Reason,
			"policy_id": v.PolicyID,
			"phrase":    v.Phrase,
		}
	}
	return structpb.NewStruct(map[string]any{"verdicts": out, "policy_hash": hash})
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("rpc",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)))
	return resp, err
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
