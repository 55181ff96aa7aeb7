// ABOUTME: Entry point for the fleet agent worker process
// ABOUTME: Usage: fleet-agent [-url http://localhost:8080] [-name "Fleet Agent"]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-manager/internal/agent"
	"github.com/2389/fleet-manager/internal/agent/handlers"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "Fleet manager base URL")
	name := flag.String("name", "Fleet Agent", "Agent display name")
	agentID := flag.String("id", "", "Agent ID (random uuid when empty)")
	executors := flag.Int("executors", 4, "Maximum concurrent task executors")
	wait := flag.Duration("wait", 5*time.Second, "Default wait between polls")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *agentID == "" {
		*agentID = uuid.New().String()
	}
	if *executors < 1 {
		fmt.Fprintln(os.Stderr, "Error: -executors must be at least 1")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := agent.NewRegistry(logger)
	handlers.RegisterBuiltins(registry)

	a := agent.New(agent.Options{
		ManagerURL:   *url,
		ID:           *agentID,
		Name:         *name,
		MaxExecutors: *executors,
		DefaultWait:  *wait,
	}, registry, logger)

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
