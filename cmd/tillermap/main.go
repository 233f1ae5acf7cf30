package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/wgdzlh/tillermap"
	"github.com/wgdzlh/tillermap/config"
	"github.com/wgdzlh/tillermap/log"
	"github.com/wgdzlh/tillermap/predictor"
	"github.com/wgdzlh/tillermap/server"
	"github.com/wgdzlh/tillermap/source"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err = log.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tb := tillermap.NewGdalToolbox(cfg.TmpDir)

	var pred tillermap.Predictor
	switch cfg.Predictor {
	case config.PredictorRemote:
		pred = predictor.NewRemote(ctx, cfg.LegacyInferURL, cfg.LegacyInferTimeout, cfg.LegacyInputShape)
	default:
		local := predictor.NewLocal(cfg.ModelPath)
		if err = local.Load(); err != nil {
			log.Error("failed to load local model", zap.Error(err))
			os.Exit(1)
		}
		pred = local
	}
	log.Info("predictor selected", zap.String("predictor", cfg.Predictor), zap.Stringer("inputShape", pred.InputShape()))

	src, err := source.NewHTTP(source.Config{
		URL:        cfg.SourceURL,
		WindowDays: cfg.WindowDays,
		TmpDir:     cfg.TmpDir,
		BandMap:    cfg.BandMap,
	}, tb, nil)
	if err != nil {
		log.Error("failed to init raster source", zap.Error(err))
		os.Exit(1)
	}

	p := tillermap.NewPipeline(tb, src, pred, tillermap.NewMetrics(), tillermap.PipelineConfig{
		OutDir:         cfg.MediaRoot,
		SourceTimeout:  cfg.SourceTimeout,
		PredictTimeout: cfg.LegacyInferTimeout,
	})

	srv := server.New(cfg.HTTPAddr, p, cfg.MediaRoot, cfg.PublicBaseURL)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
