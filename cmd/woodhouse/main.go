package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lei/woodhouse/pkg/server"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
	_ = godotenv.Load()

	configFile := flag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "path to the server config file (defaults apply when empty)")
	jobsFile := flag.StringP("jobs", "j", envOr("JOBS_FILE", "configs/jobs.yaml"), "path to the jobs file")
	port := flag.IntP("port", "p", 0, "listen port, overrides the config file")
	flag.Parse()

	srv, err := server.NewFromFiles(*configFile, *jobsFile)
	if err != nil {
		return err
	}
	if *port != 0 {
		srv.WithPort(*port)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the server (blocks until shutdown)
	return srv.Start(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
