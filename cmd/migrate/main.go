// Command migrate applies the embedded schema migrations.
//
//	migrate [up|down|status|version|redo|reset]
package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"donationsvc/internal/infra"
	"donationsvc/migrations"
)

func main() {
	_ = godotenv.Load()

	logger := infra.NewLogger(os.Getenv("APP_ENV"))
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal().Msg("migrate: DATABASE_URL is required")
	}

	command := "up"
	var args []string
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: open database")
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal().Err(err).Msg("migrate: set dialect")
	}
	if err := goose.RunContext(context.Background(), command, db, ".", args...); err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("migrate: failed")
	}
	logger.Info().Str("command", command).Msg("migrate: done")
}
