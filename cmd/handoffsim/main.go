package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/simulator"
	"github.com/dennisdiepolder/monti/handoff/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		controlPort  = flag.String("control-port", "8081", "Control API port")
		backendURL   = flag.String("backend-url", "http://localhost:8080", "Handoff server URL")
		tenant       = flag.String("tenant", "sim", "Tenant to generate load for")
		token        = flag.String("token", "", "Bearer token for the handoff API")
		agentCount   = flag.Int("agents", 50, "Total number of agents to generate")
		autoStart    = flag.Bool("auto-start", false, "Automatically start simulation")
		activeAgents = flag.Int("active", 20, "Number of active agents (if auto-start is true)")
		watch        = flag.Bool("watch", true, "Count events from the websocket feed")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "handoffsim").
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []client.Option
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	}
	backend := client.NewClient(*backendURL, *tenant, opts...)

	profiles := simulator.GenerateAgents(*agentCount, time.Now().UnixNano())
	logger.Info().Int("count", len(profiles)).Str("tenant", *tenant).Msg("agents generated")

	generator := simulator.NewChatGenerator(backend, logger)
	var watcher *simulator.EventWatcher
	if *watch {
		watcher = simulator.NewEventWatcher(*backendURL, *tenant, *token, logger)
	}
	sim := simulator.NewSimulator(backend, profiles, generator, watcher, simulator.DefaultSettings(), logger)

	controlAPI := simulator.NewControlAPI(ctx, sim, generator, logger)
	go func() {
		if err := controlAPI.Start(ctx, ":"+*controlPort); err != nil {
			logger.Error().Err(err).Msg("control API stopped")
		}
	}()

	if *autoStart {
		if err := sim.Start(ctx, *activeAgents); err != nil {
			logger.Error().Err(err).Msg("failed to auto-start simulation")
		}
	}

	logger.Info().
		Str("control_api", fmt.Sprintf("http://localhost:%s", *controlPort)).
		Str("backend_url", *backendURL).
		Msg("handoffsim ready")
	printUsage(*controlPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down handoffsim")
	sim.Stop()
	cancel()
}

func printUsage(port string) {
	fmt.Println()
	fmt.Println("Control endpoints:")
	fmt.Printf("  GET  http://localhost:%s/status        - Simulation status\n", port)
	fmt.Printf("  POST http://localhost:%s/start         - Start simulation\n", port)
	fmt.Printf("  POST http://localhost:%s/stop          - Stop simulation\n", port)
	fmt.Printf("  GET  http://localhost:%s/stats         - Statistics\n", port)
	fmt.Printf("  PUT  http://localhost:%s/chats/config  - Change chat rates\n", port)
	fmt.Printf("  POST http://localhost:%s/chats/inject  - Force escalations\n", port)
	fmt.Println()
	fmt.Printf("  curl -X POST http://localhost:%s/start -d '{\"activeAgents\":20}'\n", port)
	fmt.Printf("  curl -X POST http://localhost:%s/chats/inject -d '{\"count\":10}'\n", port)
	fmt.Println()
}
