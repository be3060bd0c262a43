package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/misterdjules/tlscompat/internal/agent"
	"github.com/misterdjules/tlscompat/internal/orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Agents own their exit codes; see agent.ExitCode.
	if os.Args[1] == orchestrator.AgentSubcommand {
		os.Exit(agent.Main(os.Args[2:], os.Stderr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := NewCLI(os.Stdout, os.Stdout)
	args := os.Args[2:]

	var err error

	switch os.Args[1] {
	case "run":
		err = cli.Run(ctx, args)
	case "watch":
		err = cli.Watch(ctx, args)
	case "list":
		err = cli.List(args)
	case "predict":
		err = cli.Predict(args)
	case "fixtures":
		err = cli.Fixtures(args)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
