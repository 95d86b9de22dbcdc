package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zynapses/cato-safety/internal/perception"
	"github.com/zynapses/cato-safety/internal/veto"
)

// #region serve-cmd

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Evaluate newline-delimited JSON requests from stdin",
	Long: `serve reads one JSON request per line from stdin and writes one JSON
decision per line to stdout. While running it also exposes Prometheus
metrics, the perception gRPC service with health checks, drains ASYNC
entropy jobs and polls the veto alarm file.

Request line:
  {"tenant_id":"acme","turn_id":"1","session_id":"s1","user_id":"u1",
   "epistemic_uncertainty":0.1,"sensory_precision":0.9,
   "action":{"type":"summarize","model_id":"m1","requested_confidence":2}}`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer st.Close()

	st.pool.Start(ctx)
	defer st.pool.Close()

	g, gctx := errgroup.WithContext(ctx)

	// 1. Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	// 2. Perception service with health checks
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		srv := grpc.NewServer()
		perception.RegisterServer(srv, perception.NewPatternDetector())
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(srv, hs)
		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		})
	}

	// 3. Veto alarm polling
	if cfg.AlarmFile != "" {
		g.Go(func() error {
			st.veto.RunAlarmSync(gctx, veto.FileAlarmSource{Path: cfg.AlarmFile}, cfg.AlarmPoll.Duration)
			return nil
		})
	}

	log.Info("cato serving",
		zap.String("db", cfg.DatabasePath),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.Bool("redis", st.rdb != nil),
	)

	// 4. Request loop; EOF on stdin shuts everything down.
	loopErr := serveLoop(gctx, st, log)
	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	return loopErr
}

// serveLoop evaluates stdin lines until EOF or ctx is done. Malformed lines
// are logged and skipped. Every evaluation goes through SafeEvaluate.
func serveLoop(ctx context.Context, st *stack, log *zap.Logger) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(b) == 0 {
				continue
			}
			turnID, req, err := parseRequest(ctx, st.settings, b)
			if err != nil {
				log.Warn("skipping request", zap.Error(err))
				continue
			}
			d := st.pipeline.SafeEvaluate(ctx, req)
			if err := enc.Encode(newDecisionLine(turnID, d)); err != nil {
				return err
			}
		}
	}
}

// #endregion serve-cmd
