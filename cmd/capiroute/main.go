// Copyright 2026 Capiroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command capiroute routes natural-language queries against a
// capability catalog.
//
// Usage:
//
//	capiroute route "What is AAPL's price?" --catalog capabilities.yaml
//	capiroute route "What is AAPL's price?" --mcp-url http://localhost:8080/mcp
//	capiroute validate --config config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/capiroute/capiroute/pkg/adapter/mcpadapter"
	"github.com/capiroute/capiroute/pkg/capability"
	"github.com/capiroute/capiroute/pkg/classifier"
	"github.com/capiroute/capiroute/pkg/config"
	"github.com/capiroute/capiroute/pkg/embedder"
	"github.com/capiroute/capiroute/pkg/logger"
	"github.com/capiroute/capiroute/pkg/observability"
	"github.com/capiroute/capiroute/pkg/registry"
	"github.com/capiroute/capiroute/pkg/router"
	"github.com/capiroute/capiroute/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Route    RouteCmd    `cmd:"" help:"Route a query against a capability catalog."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and catalog files."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("capiroute version %s\n", version)
	return nil
}

// RouteCmd performs one routing decision and prints the result as JSON.
type RouteCmd struct {
	Query       string   `arg:"" help:"Natural-language query to route."`
	Catalog     string   `help:"Path to a YAML capability catalog (overrides config)." type:"path"`
	MCPURL      string   `name:"mcp-url" help:"MCP server URL to load capabilities from."`
	MCPCommand  []string `name:"mcp-command" help:"MCP stdio server command (repeat for args)."`
	MaxSelected int      `name:"max-selected" help:"Cap on selected capabilities (overrides config)." default:"0"`
}

func (c *RouteCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	tp, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.Enabled,
		EndpointURL:  cfg.Observability.Endpoint,
		SamplingRate: cfg.Observability.SampleRate,
		ServiceName:  cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if shutdown, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		defer shutdown.Shutdown(context.Background())
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	specs, err := c.loadSpecs(ctx, cfg)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := reg.RegisterSpec(spec); err != nil {
			return err
		}
	}

	cls, err := classifier.NewOpenAIClassifier(cfg.Classifier)
	if err != nil {
		return err
	}

	r, err := router.New(cls, router.WithTruncationLength(cfg.Routing.TruncationLength))
	if err != nil {
		return err
	}

	maxSelected := c.MaxSelected
	if maxSelected <= 0 {
		maxSelected = cfg.Routing.MaxSelected
	}

	candidates := reg.ListAll()
	if len(candidates) > cfg.Routing.RegistrySearchThreshold {
		narrowed, err := reg.Search(ctx, c.Query, cfg.Routing.RegistrySearchThreshold)
		if err != nil {
			slog.Warn("Semantic narrowing unavailable, using full catalog", "error", err)
		} else if len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	result, err := r.Route(ctx, router.Request{
		QueryText:   c.Query,
		Candidates:  candidates,
		MaxSelected: maxSelected,
	})
	if err != nil {
		return err
	}

	out := struct {
		SelectedIDs  []string `json:"selected_ids"`
		FallbackUsed bool     `json:"fallback_used"`
		Rationale    string   `json:"rationale,omitempty"`
	}{result.SelectedIDs, result.FallbackUsed, result.Rationale}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

// loadSpecs gathers capabilities from an MCP server, a YAML catalog
// file, or both.
func (c *RouteCmd) loadSpecs(ctx context.Context, cfg *config.Config) ([]capability.Spec, error) {
	var specs []capability.Spec

	if c.MCPURL != "" || len(c.MCPCommand) > 0 {
		mcpCfg := mcpadapter.Config{Name: "mcp", URL: c.MCPURL}
		if len(c.MCPCommand) > 0 {
			mcpCfg.Transport = "stdio"
			mcpCfg.Command = c.MCPCommand[0]
			mcpCfg.Args = c.MCPCommand[1:]
		}
		catalog, err := mcpadapter.New(mcpCfg)
		if err != nil {
			return nil, err
		}
		defer catalog.Close()

		mcpSpecs, err := catalog.Specs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list MCP capabilities: %w", err)
		}
		specs = append(specs, mcpSpecs...)
	}

	catalogPath := c.Catalog
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}
	if catalogPath != "" {
		fileSpecs, err := config.LoadCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fileSpecs...)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no capability source: pass --catalog, --mcp-url or --mcp-command, or set catalog in config")
	}
	return specs, nil
}

// ValidateCmd checks that the config and catalog parse and validate.
type ValidateCmd struct {
	Catalog string `help:"Path to a YAML capability catalog (overrides config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	fmt.Println("config: OK")

	catalogPath := c.Catalog
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}
	if catalogPath != "" {
		specs, err := config.LoadCatalog(catalogPath)
		if err != nil {
			return err
		}
		fmt.Printf("catalog: OK (%d capabilities)\n", len(specs))
	}
	return nil
}

// loadConfig loads the config file, or builds a default config when no
// file is given.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}

	if path == "" {
		cfg := &config.Config{}
		cfg.Classifier.APIKey = os.Getenv("OPENAI_API_KEY")
		cfg.SetDefaults()
		return cfg, nil
	}
	return config.Load(path)
}

// buildRegistry creates the capability registry, with semantic search
// wired in when an embedder is configured.
func buildRegistry(cfg *config.Config) (*registry.CapabilityRegistry, error) {
	if cfg.Embedder == nil {
		return registry.NewCapabilityRegistry(), nil
	}

	emb, err := embedder.New(*cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	store, err := vector.NewProvider(cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	return registry.NewCapabilityRegistry(registry.WithSearch(emb, store)), nil
}

func setupLogging(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, c, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = c
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("capiroute"),
		kong.Description("Request-time capability routing for agent tool catalogs."),
		kong.UsageOnError(),
	)

	cleanup, err := setupLogging(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
