// Command migrate applies goose migrations from the migrations directory.
//
// Usage: migrate [up|down|status] (default up)
package main

import (
	"database/sql"
	"os"

	"github.com/joho/godotenv"

	// goose drives database/sql, so the pgx stdlib driver is registered here.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"server/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal().Err(err).Msg("failed to set goose dialect")
	}

	if err := goose.Run(command, db, "migrations"); err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}
	logger.Info().Str("command", command).Msg("migrations complete")
}
