package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"img-cache/internal/disk"
	"img-cache/internal/fetch"
)

const shutdownTimeout = 10 * time.Second

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "img-cache",
		Usage: "Image cache service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP service",
				Action: serveAction,
			},
			{
				Name:   "sweep",
				Usage:  "Remove expired files from the cache directory",
				Action: sweepAction,
			},
			{
				Name:   "clear",
				Usage:  "Delete every file in the cache directory",
				Action: clearAction,
			},
			{
				Name:      "get",
				Usage:     "Fetch an image through the cache and print its size",
				ArgsUsage: "<url>",
				Action:    getAction,
			},
		},
		DefaultCommand: "serve",
	}
}

func serveAction(ctx context.Context, _ *cli.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.RequirePort(); err != nil {
		return err
	}

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	router := gin.New()
	initializeRoutes(router, srv)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to run server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func sweepAction(_ context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := disk.NewOS(cfg.CacheDir, disk.WithTTL(cfg.DiskTTL), disk.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Sweep()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "removed %d expired files from %s\n", n, cfg.CacheDir)
	return nil
}

func clearAction(_ context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := disk.NewOS(cfg.CacheDir, disk.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	before := store.Len()
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "cleared %d files from %s\n", before, cfg.CacheDir)
	return nil
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	uri := cmd.Args().First()
	if uri == "" {
		return errors.New("missing url argument")
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	getter := fetch.NewHTTPGetter(cfg.Getter(), logger.Named("fetch"))
	cache, _, err := buildCache(cfg, getter, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	start := time.Now()
	img, cached, err := cache.Get(ctx, uri)
	if err != nil {
		return err
	}
	source := "network"
	if cached {
		source = "cache"
	}

	b := img.Bounds()
	fmt.Fprintf(cmd.Root().Writer, "%dx%d from %s in %s (~%s in memory)\n",
		b.Dx(), b.Dy(), source, time.Since(start).Round(time.Millisecond),
		humanize.IBytes(uint64(b.Dx()*b.Dy()*4)))
	return nil
}
