package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/statcache/internal/app"
	"github.com/briangreenhill/statcache/internal/config"
)

const version = "statcache v0.1.0"

func main() {
	_ = godotenv.Load()
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, version)
		return nil
	case "get":
		if len(args) < 3 {
			return fmt.Errorf("usage: statcache get <source> <entity> [name=value...] [--bypass]")
		}
		params, bypass, err := parseParams(args[3:])
		if err != nil {
			return err
		}
		return withApp(ctx, func(a *app.App) error {
			res, err := a.Stats.Get(ctx, args[1], args[2], params, bypass)
			if err != nil {
				return fmt.Errorf("failed to get %s/%s: %w", args[1], args[2], err)
			}
			return writeJSON(out, res)
		})
	case "inspect":
		if len(args) != 2 {
			return fmt.Errorf("usage: statcache inspect <key>")
		}
		return withApp(ctx, func(a *app.App) error {
			return writeJSON(out, a.Stats.Inspect(ctx, args[1]))
		})
	case "invalidate":
		if len(args) != 2 {
			return fmt.Errorf("usage: statcache invalidate <key>")
		}
		return withApp(ctx, func(a *app.App) error {
			if err := a.Stats.Invalidate(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(out, "invalidated %s\n", args[1])
			return nil
		})
	case "sources":
		return withApp(ctx, func(a *app.App) error {
			for _, name := range a.Stats.Sources() {
				fmt.Fprintln(out, name)
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: statcache <command> [arguments]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  get <source> <entity> [name=value...] [--bypass]  Fetch through the cache")
	fmt.Fprintln(out, "  inspect <key>                                    Show what each tier holds")
	fmt.Fprintln(out, "  invalidate <key>                                 Drop a key from every tier")
	fmt.Fprintln(out, "  sources                                          List configured sources")
	fmt.Fprintln(out, "  version                                          Print the version")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  PROVIDER_BASE_URL   Upstream statistics API (required)")
	fmt.Fprintln(out, "  PROVIDER_API_KEY    Bearer token for the upstream API (optional)")
	fmt.Fprintln(out, "  REDIS_ADDR          Shared cache path A (optional)")
	fmt.Fprintln(out, "  SHARED_PATH_B       postgres, sqlite or none")
}

// parseParams reads name=value pairs. --bypass may appear anywhere.
func parseParams(args []string) (map[string]string, bool, error) {
	params := make(map[string]string, len(args))
	bypass := false
	for _, arg := range args {
		if arg == "--bypass" {
			bypass = true
			continue
		}
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, false, fmt.Errorf("invalid parameter %q, want name=value", arg)
		}
		if _, dup := params[name]; dup {
			return nil, false, fmt.Errorf("parameter %q given twice", name)
		}
		params[name] = value
	}
	return params, bypass, nil
}

// withApp builds a short-lived app for one command. Background warming is
// off since the process exits right after.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Warm.Backend = "none"
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.Nop()
	if cfg.LogLevel == "debug" {
		logger = app.NewLogger(cfg, os.Stderr)
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
