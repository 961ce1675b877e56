package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"donationsvc/internal/app"
	"donationsvc/internal/cli"
	"donationsvc/internal/infra"
)

func main() {
	_ = godotenv.Load()

	env := cli.Environment{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		OperatorSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		Connect: func(ctx context.Context) (*app.Services, error) {
			cfg, err := infra.LoadConfig()
			if err != nil {
				return nil, err
			}
			return app.Build(ctx, cfg, infra.NewLoggerTo(cfg.AppEnv, os.Stderr))
		},
	}

	os.Exit(cli.Run(env, os.Args[1:]))
}
