package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/ahiretrieve/internal/api"
	"github.com/datallboy/ahiretrieve/internal/app"
	"github.com/datallboy/ahiretrieve/internal/engine"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run retrievals queued over HTTP and expose progress and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, root, inputs)
		},
	}

	fs := cmd.Flags()
	fs.String("addr", ":8080", "Listen address for the status API")
	fs.StringSliceVarP(&inputs, "input", "i", nil, "Descriptor files to queue at startup")
	addConnectionFlags(fs)
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, root *rootOptions, inputs []string) error {
	cfg, log, err := loadConfig(root, cmd.Flags())
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := app.NewContext(ctx, cfg, log, version)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	manager := engine.NewRunManager(a)
	if len(inputs) > 0 {
		run, err := manager.Add(ctx, inputs, false)
		if err != nil {
			return err
		}
		log.Info("Queued run %s with %d frames", run.ID, run.TotalFrames)
	}

	e := echo.New()
	api.RegisterRoutes(e, a, manager)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		manager.Start(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("Status API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
