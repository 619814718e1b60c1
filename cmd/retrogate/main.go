package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbhansen/retroMCP-sub000/internal/audit"
	"github.com/nbhansen/retroMCP-sub000/internal/config"
	"github.com/nbhansen/retroMCP-sub000/internal/gate"
)

func main() {
	configPath := flag.String("config", "retrogate.yaml", "path to config file")
	elevate := flag.Bool("elevate", false, "run the command with superuser elevation")
	monitor := flag.Bool("monitor", false, "run as a monitoring command (no command timeout)")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: retrogate [flags] \"<command>\"")
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load config from %q: %v", *configPath, err)
	}

	sink, err := buildSink(cfg.Audit)
	if err != nil {
		log.Fatalf("[BOOT] Failed to set up audit sink: %v", err)
	}
	defer sink.Close() //nolint:errcheck

	if len(cfg.Policy.PipelineFilters) > 0 {
		log.Printf("[BOOT] pipeline filter allowlist overridden: %v", cfg.Policy.PipelineFilters)
	}
	if len(cfg.Policy.ExtraDeny) > 0 {
		log.Printf("[BOOT] %d operator-supplied deny fragments active", len(cfg.Policy.ExtraDeny))
	}

	session, err := gate.New(gate.Config{
		Host:              cfg.Target.Host,
		Username:          cfg.Target.Username,
		Port:              cfg.Target.Port,
		Password:          cfg.Auth.Password,
		KeyPath:           cfg.Auth.KeyPath,
		ElevationPassword: cfg.Auth.ElevationPassword,
		KnownHostsPath:    cfg.SSH.KnownHostsPath,
		ConnectTimeout:    cfg.SSH.ConnectTimeout,
		CommandTimeout:    cfg.SSH.CommandTimeout,
		MaxRetries:        cfg.SSH.MaxRetries,
		ExtraDeny:         cfg.Policy.ExtraDeny,
		PipelineFilters:   cfg.Policy.PipelineFilters,
		MaxObservers:      cfg.Audit.MaxObservers,
	}, sink)
	if err != nil {
		log.Fatalf("[BOOT] Invalid session parameters: %v", err)
	}
	defer session.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		log.Fatalf("[BOOT] Connect failed: %v", err)
	}

	var res *gate.CommandResult
	if *monitor {
		unsubscribe, err := session.Observe(os.Stdout)
		if err != nil {
			log.Fatalf("[BOOT] Observe failed: %v", err)
		}
		defer unsubscribe()
		res, err = session.ExecuteMonitoringCommand(ctx, command)
		if err != nil {
			log.Fatalf("[GATE] %v", err)
		}
	} else {
		res, err = session.ExecuteCommand(ctx, command, *elevate)
		if err != nil {
			log.Fatalf("[GATE] %v", err)
		}
	}

	if res.Stdout != "" && !*monitor {
		fmt.Println(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintln(os.Stderr, res.Stderr)
	}
	if !res.Success {
		os.Exit(res.ExitCode)
	}
}

// buildSink assembles the audit sink chain from config: JSONL file and/or
// Postgres, Nop when nothing is configured.
func buildSink(cfg config.Audit) (audit.Sink, error) {
	var sinks audit.MultiSink

	if cfg.JSONLPath != "" {
		rec, err := audit.NewJSONLRecorder(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rec)
	}

	if cfg.PostgresDSN != "" {
		store, err := audit.NewPostgresStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
	}

	if len(sinks) == 0 {
		return audit.NopSink{}, nil
	}
	return sinks, nil
}
