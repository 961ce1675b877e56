package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"donationsvc/internal/app"
	"donationsvc/internal/http/handlers"
	httpapi "donationsvc/internal/http/httpapi"
	"donationsvc/internal/infra"
	"donationsvc/internal/infra/geoip"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if err := cfg.RequireOperatorSecret(); err != nil {
		logger.Fatal().Err(err).Msg("api: invalid configuration")
	}

	ctx := context.Background()
	services, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build services")
	}
	defer services.Close()

	router := httpapi.NewRouter(handlers.NewApp(services), httpapi.Options{
		Logger:          *infra.Component(logger, "http"),
		OperatorSecret:  cfg.OperatorJWTSecret,
		CORSOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   "ru",
		CountryLookup:   geoip.LookupFunc(services.Countries),
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
