package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opaque/hevec/internal/service"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/grpcserver"
	"github.com/opaque/hevec/pkg/server"
)

// healthInterval is how often the gRPC health status is re-derived from
// the store.
const healthInterval = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var grpcListen, httpListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over gRPC and HTTP",
		Long: "Serve the hevec.v1.VectorStore gRPC service on server.grpc_listen and the REST API on " +
			"server.http_listen until interrupted. An empty address disables that listener.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("grpc-listen") {
				a.cfg.Server.GRPCListen = grpcListen
			}
			if cmd.Flags().Changed("http-listen") {
				a.cfg.Server.HTTPListen = httpListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&grpcListen, "grpc-listen", "", "gRPC listen address (default server.grpc_listen)")
	cmd.Flags().StringVar(&httpListen, "http-listen", "", "HTTP listen address (default server.http_listen)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	sc := a.cfg.Server
	if sc.GRPCListen == "" && sc.HTTPListen == "" {
		return hverr.New(hverr.CodeCLIInputInvalid, "no listener configured")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := service.New(a.cfg.ServiceConfig(), store, a.log)
	g, gctx := errgroup.WithContext(ctx)

	if sc.GRPCListen != "" {
		opts := grpcserver.Options{Logger: a.log}
		if sc.TLSCert != "" {
			creds, err := grpcserver.LoadTLSCredentials(sc.TLSCert, sc.TLSKey)
			if err != nil {
				return err
			}
			opts.Creds = creds
			a.log.Info("grpc tls enabled")
		}

		lis, err := net.Listen("tcp", sc.GRPCListen)
		if err != nil {
			return hverr.Wrap(err, hverr.CodeServerStartFailure, "failed to listen", hverr.Field("addr", sc.GRPCListen))
		}
		gs := grpcserver.New(svc, opts)

		g.Go(func() error { return gs.Serve(lis) })
		g.Go(func() error {
			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					gs.GracefulStop()
					return nil
				case <-ticker.C:
					gs.RefreshHealth(gctx)
				}
			}
		})
	}

	if sc.HTTPListen != "" {
		hs := server.New(a.cfg.HTTPConfig(), svc, a.log)
		g.Go(func() error { return hs.Start(gctx) })
	}

	a.log.Info("serving",
		zap.String("grpc", sc.GRPCListen),
		zap.String("http", sc.HTTPListen),
		zap.Int64("records", store.Count(ctx)))

	err = g.Wait()
	a.log.Info("shutdown complete")
	return err
}
