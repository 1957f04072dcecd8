// Command finscope runs the financial research agent service.
//
// Usage:
//
//	finscope serve --config config.yaml
//	finscope validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/guards"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/logger"
	"github.com/finscope/finscope/pkg/planner"
	"github.com/finscope/finscope/pkg/prompt"
	"github.com/finscope/finscope/pkg/server"
	"github.com/finscope/finscope/pkg/session"
	"github.com/finscope/finscope/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP service."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:""`
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("finscope %s\n", version())
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.LoadFromFile(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	config.LoadEnvFiles(".env")

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if err := setupLogging(cli, cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// Session store: Redis when configured, in-process otherwise.
	limits := session.Limits{
		MaxArtifactsPerKind: cfg.Session.MaxArtifactsPerKind,
		MaxArtifactChars:    cfg.Session.MaxArtifactChars,
	}
	var sessions session.Store
	if cfg.Session.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		sessions = session.NewRedisStore(client, limits, cfg.Session.TTL)
		slog.Info("Using Redis session store", "addr", cfg.Session.RedisAddr)
	} else {
		sessions = session.NewMemoryStore(limits, cfg.Session.TTL)
	}
	defer sessions.Close()

	fragments, err := prompt.NewFragmentStore(cfg.Prompts.Dir)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}
	defer fragments.Close()
	if cfg.Prompts.Watch {
		if err := fragments.Watch(); err != nil {
			slog.Warn("Prompt hot-reload disabled", "error", err)
		}
	}

	p := planner.New()
	if err := planner.RegisterDefaultSkills(p); err != nil {
		return fmt.Errorf("registering skills: %w", err)
	}

	toolReg, mcpSources, err := buildTools(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, src := range mcpSources {
			_ = src.Close()
		}
	}()

	// The soft-limit action is a graceful drain: stop accepting work, let
	// in-flight requests finish, and let the supervisor restart us.
	watcher := guards.NewMemWatcher(
		cfg.Guards.WindowSize, cfg.Guards.CheckInterval,
		cfg.Guards.SlopeThresholdMB, cfg.Guards.SoftLimitMB,
		nil, func() {
			slog.Warn("Soft memory limit reached, draining for restart")
			cancel()
		})

	srv, err := server.New(server.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Models:    llms.NewRegistry(),
		Tools:     toolReg,
		Planner:   p,
		Assembler: prompt.NewAssembler(fragments),
		Watcher:   watcher,
		Version:   version(),
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config != "" {
		return config.LoadFromFile(cli.Config)
	}
	return config.Default(), nil
}

func setupLogging(cli *CLI, cfg *config.Config) error {
	levelStr := cfg.Logger.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	format := cfg.Logger.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	output := os.Stderr
	path := cfg.Logger.File
	if cli.LogFile != "" {
		path = cli.LogFile
	}
	if path != "" {
		file, _, err := logger.OpenLogFile(path)
		if err != nil {
			return err
		}
		output = file
	}

	logger.Init(level, output, format)
	return nil
}

// buildTools registers the built-in tools and connects MCP servers. A
// broken MCP server is skipped, not fatal.
func buildTools(ctx context.Context, cfg *config.Config) (*tools.Registry, []*tools.MCPSource, error) {
	reg := tools.NewRegistry()
	cache := guards.NewBoundedCache(cfg.Guards.CacheMaxEntries, cfg.Guards.CacheTTL)

	if err := reg.RegisterTool(tools.NewCalculatorTool()); err != nil {
		return nil, nil, err
	}
	search := tools.NewWebSearchTool(tools.NewSearchClient(cfg.Search))
	if err := reg.RegisterTool(tools.NewCachedTool(search, cache)); err != nil {
		return nil, nil, err
	}
	if err := reg.RegisterTool(tools.NewCachedTool(tools.NewFetchURLTool(), cache)); err != nil {
		return nil, nil, err
	}
	if cfg.Browser.Enabled {
		if err := reg.RegisterTool(tools.NewBrowserTool(cfg.Browser)); err != nil {
			return nil, nil, err
		}
	}

	sources := tools.RegisterMCPSources(ctx, reg, cfg.MCP)
	return reg, sources, nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("finscope"),
		kong.Description("Financial research agent service."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
