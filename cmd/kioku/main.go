// Package main is the Kioku CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/rag"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/watcher"
	"github.com/hyperjump/kioku/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kioku/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "query":
		runQuery()
	case "remove":
		runRemove()
	case "stats":
		runStats()
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config, builds a logger and initializes components for direct mode.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	logger.Info("config loaded", zap.String("config_path", resolvedConfigPath), zap.Bool("debug", cfg.Debug || *debug))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := components.Cache.Restore(ctx, components.Snapshots); err != nil {
		logger.Warn("cache restore skipped", zap.Error(err))
	} else if n > 0 {
		logger.Info("cache warmed from snapshot", zap.Int("entries", n))
	}

	reload := func(path string) {
		next, err := config.Load(path)
		if err != nil {
			logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		if err := components.Cache.UpdateConfig(cacheConfig(next)); err != nil {
			logger.Warn("cache reconfiguration failed", zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("path", path))
	}
	watchOpts := []watcher.WatcherOption{watcher.WithLogger(logger)}
	watchSvc := watcher.NewWatcher([]string{resolvedConfigPath}, reload, watchOpts...)
	if err := watchSvc.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	}
	defer watchSvc.Stop()

	var gatherer prometheus.Gatherer
	if components.Registry != nil {
		gatherer = components.Registry
	}
	srv := server.NewServer(components.Orchestrator, &cfg.Server, gatherer, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if err := components.Cache.Backup(shutdownCtx, components.Snapshots); err != nil {
		logger.Warn("cache backup failed", zap.Error(err))
	}
	components.Cache.Shutdown()
}

// buildText joins all positional args with spaces so multi-word input works
// the same with or without shell quoting.
func buildText(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return m, nil
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use the configured store directly)")
	entityType := fs.String("type", "", "entity type (collection)")
	entityID := fs.String("id", "", "entity id")
	file := fs.String("file", "", "read content from file instead of arguments")
	metadata := fs.String("metadata", "", "metadata as a JSON object")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	content := buildText(fs.Args())
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fatalf("Failed to read %s: %v", *file, err)
		}
		content = string(data)
	}
	if *entityType == "" || *entityID == "" || content == "" {
		fmt.Println("Usage: kioku index --type <type> --id <id> [--metadata json] [--file path | <content>]")
		os.Exit(1)
	}
	meta, err := parseMetadata(*metadata)
	if err != nil {
		fatalf("%v", err)
	}

	if *serverURL != "" {
		var out struct {
			VectorID string `json:"vector_id"`
		}
		req := map[string]any{"entity_type": *entityType, "entity_id": *entityID, "content": content, "metadata": meta}
		if err := callAPI(http.MethodPost, *serverURL, "/api/v1/index", req, &out); err != nil {
			fatalf("Indexing failed: %v", err)
		}
		fmt.Printf("Indexed: %s\n", out.VectorID)
		return
	}

	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	id, err := components.Orchestrator.IndexContent(context.Background(), *entityType, *entityID, content, meta)
	if err != nil {
		fatalf("Indexing failed: %v", err)
	}
	fmt.Printf("Indexed: %s\n", id)
}

func runQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use the configured store directly)")
	entityType := fs.String("type", "", "entity type (collection)")
	limit := fs.Int("limit", 0, "number of results (0 = configured default)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	query := buildText(fs.Args())
	if *entityType == "" || query == "" {
		fmt.Println("Usage: kioku query --type <type> [--limit n] [--output text|json] <query>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}

	var res *rag.QueryResult
	if *serverURL != "" {
		res = &rag.QueryResult{}
		req := map[string]any{"query": query, "entity_type": *entityType, "limit": *limit}
		if err := callAPI(http.MethodPost, *serverURL, "/api/v1/query", req, res); err != nil {
			fatalf("Query failed: %v", err)
		}
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err = components.Orchestrator.PerformQuery(context.Background(), query, *entityType, *limit)
		if err != nil {
			fatalf("Query failed: %v", err)
		}
	}
	if err := cli.WriteQueryResult(os.Stdout, res, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runRemove() {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use the configured store directly)")
	entityType := fs.String("type", "", "entity type (collection)")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if *entityType == "" || fs.NArg() != 1 {
		fmt.Println("Usage: kioku remove --type <type> <id>")
		os.Exit(1)
	}
	entityID := fs.Arg(0)

	var removed bool
	if *serverURL != "" {
		var out struct {
			Removed bool `json:"removed"`
		}
		if err := callAPI(http.MethodDelete, *serverURL, vectorPath(*entityType, entityID), nil, &out); err != nil {
			fatalf("Removal failed: %v", err)
		}
		removed = out.Removed
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		var err error
		removed, err = components.Orchestrator.RemoveContent(context.Background(), *entityType, entityID)
		if err != nil {
			fatalf("Removal failed: %v", err)
		}
	}
	if removed {
		fmt.Printf("Removed: %s/%s\n", *entityType, entityID)
	} else {
		fmt.Printf("Nothing to remove: %s/%s\n", *entityType, entityID)
	}
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use the configured store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	var stats rag.Stats
	if *serverURL != "" {
		if err := callAPI(http.MethodGet, *serverURL, "/api/v1/stats", nil, &stats); err != nil {
			fatalf("Stats failed: %v", err)
		}
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		stats, err = components.Orchestrator.Statistics(context.Background())
		if err != nil {
			fatalf("Stats failed: %v", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func printUsage() {
	fmt.Println(`kioku - Vector similarity search with an intelligent result cache

Usage:
  kioku server [flags]                    Start the HTTP server
  kioku index [flags] <content>           Embed and store content
  kioku query [flags] <query>             Retrieve ranked context for a query
  kioku remove [flags] <id>               Remove an entity's vector
  kioku stats [flags]                     Show search and store statistics
  kioku version                           Show version
  kioku help                              Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kioku/config.yaml)
  --debug            Enable debug logging

Index, Query, Remove and Stats Flags:
  --config string    Config file path (direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the store directly.
  --type string      Entity type (index, query, remove)
  --id string        Entity id (index)
  --file string      Read content from a file (index)
  --metadata string  Metadata JSON object (index)
  --limit int        Number of results (query)
  --output string    Output format: text or json (query, stats)

Examples:
  kioku server
  kioku index --type product --id p1 "red running shoes"
  kioku query --type product running shoes
  kioku query --type product --output json "running shoes"
  kioku remove --type product p1
  kioku stats --server ""`)
}
