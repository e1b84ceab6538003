package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rezkam/fleetq/internal/application/robot"
	"github.com/rezkam/fleetq/internal/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "start":
		runCommand(os.Args[2:], true)
	case "register":
		runCommand(os.Args[2:], false)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  robot start --name N [--env E] [--capabilities browser,desktop] [--engine PATH]
  robot register --name N [--env E]`)
}

func runCommand(args []string, start bool) {
	name := "start"
	if !start {
		name = "register"
	}
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	robotName := flags.String("name", "", "robot display name")
	env := flags.String("env", "default", "environment tag this robot serves")
	machineID := flags.String("machine-id", "", "stable machine identifier (default: hostname)")
	capabilities := flags.String("capabilities", "", "comma-separated capability tags")
	enginePath := flags.String("engine", "", "workflow engine executable (default: dry-run engine)")
	server := flags.String("server", serverURL(), "orchestrator base URL")
	tenant := flags.String("tenant", "", "tenant identifier header")
	heartbeat := flags.Duration("heartbeat-interval", envDuration("HEARTBEAT_INTERVAL", 30*time.Second), "heartbeat and lease-extension interval")
	visibility := flags.Duration("visibility-timeout", envDuration("VISIBILITY_TIMEOUT", 2*time.Minute), "visibility timeout requested on claims")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	machine := *machineID
	if machine == "" {
		hostname, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to resolve hostname: %v\n", err)
			os.Exit(5)
		}
		machine = hostname
	}

	var caps []string
	if *capabilities != "" {
		for _, c := range strings.Split(*capabilities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
	}

	var engine robot.ExecEngine = robot.NopEngine{}
	if *enginePath != "" {
		engine = &robot.CommandEngine{Path: *enginePath}
	}

	agent := robot.NewAgent(client.New(*server, *tenant), engine, robot.Config{
		MachineID:         machine,
		Name:              *robotName,
		Environment:       *env,
		Capabilities:      caps,
		HeartbeatInterval: *heartbeat,
		VisibilityTimeout: *visibility,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !start {
		registered, err := agent.Register(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to register: %v\n", err)
			os.Exit(client.ExitCodeFor(err))
		}
		fmt.Printf("registered robot %s (machine %s)\n", registered.ID, registered.MachineID)
		return
	}

	if err := agent.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("robot exited", "error", err)
		os.Exit(client.ExitCodeFor(err))
	}
}

func serverURL() string {
	if url := os.Getenv("ORCHESTRATOR_URL"); url != "" {
		return url
	}
	// ORCHESTRATOR_ADDR is the server's bind address; a bare port maps to
	// localhost for single-machine setups.
	if addr := os.Getenv("ORCHESTRATOR_ADDR"); strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://localhost:8080"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return fallback
}
