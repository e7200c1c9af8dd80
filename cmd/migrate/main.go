package main

import (
	"errors"
	"flag"
	"log"

	"helpdesk-service/internal/config"
	"helpdesk-service/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("[MIGRATE] No .env file found, relying on system env vars")
	}

	cfg := config.Load()
	err := db.Migrate(cfg.DatabaseURL, *direction)
	switch {
	case errors.Is(err, db.ErrNoChange):
		log.Printf("[MIGRATE] no change (%s)", *direction)
	case err != nil:
		log.Fatalf("[MIGRATE] failed: %v", err)
	default:
		log.Printf("[MIGRATE] %s complete", *direction)
	}
}
