// Command micvad lists microphones, captures from them, and checks them for
// voice activity. "micvad serve" runs the capture pipeline with an HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/micvad/internal/config"
	"github.com/MrWong99/micvad/pkg/audio"
	"github.com/MrWong99/micvad/pkg/audio/malgo"
	"github.com/MrWong99/micvad/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	root := newRootCmd(&cli{registry: reg, getenv: os.Getenv, stderr: os.Stderr})
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("micvad failed", "err", err)
		return 1
	}
	return 0
}

// registerBuiltinBackends registers the native audio backends.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(portaudio.Name, func(config.AudioConfig) (audio.Backend, error) {
		return portaudio.New()
	})
	reg.RegisterBackend(malgo.Name, func(config.AudioConfig) (audio.Backend, error) {
		return malgo.New()
	})
}

// cli holds what every command shares: the resolved config, the logger level
// and the backend registry.
type cli struct {
	registry *config.Registry
	getenv   func(string) string
	stderr   io.Writer

	configPath string
	backend    string
	prefer     string
	logLevel   string

	cfg      *config.Config
	levelVar slog.LevelVar
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "micvad",
		Short:         "Microphone capture and voice activity checks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "config.yaml", "path to the YAML configuration file (missing file means defaults)")
	flags.StringVar(&c.backend, "backend", "", "audio backend: "+fmt.Sprint(c.registry.Backends()))
	flags.StringVar(&c.prefer, "prefer", "", "preferred device name substring (overrides "+config.EnvPreferredDevice+")")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newDevicesCmd(c),
		newProbeCmd(c),
		newCaptureCmd(c),
		newDumpCmd(c),
		newVADCmd(c),
		newServeCmd(c),
	)
	return root
}

// setup resolves the config from file, environment and flags, in that order,
// and installs the logger.
func (c *cli) setup() error {
	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(cfg, c.getenv); err != nil {
		return err
	}
	if c.backend != "" {
		cfg.Audio.Backend = c.backend
	}
	if c.prefer != "" {
		cfg.Audio.PreferredDevice = c.prefer
	}
	if c.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(c.logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	c.cfg = cfg

	c.levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(c.stderr, &c.levelVar))
	return nil
}

// openBackend creates the configured backend, wrapped so each device is
// opened at most once at a time.
func (c *cli) openBackend() (*audio.Exclusive, error) {
	b, err := c.registry.CreateBackend(c.cfg.Audio)
	if err != nil {
		return nil, err
	}
	slog.Debug("audio backend ready", "backend", b.Name())
	return audio.NewExclusive(b), nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
