// ABOUTME: Entry point for the keywarden agent daemon
// ABOUTME: Binds the agent socket and serves client connections

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/keywarden/internal/backend"
	"github.com/2389/keywarden/internal/config"
	"github.com/2389/keywarden/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                   _
| | _____ _   ___      ____ _ _ __ __| | ___ _ __
| |/ / _ \ | | \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
|   <  __/ |_| |\ V  V / (_| | | | (_| |  __/ | | |
|_|\_\___|\__, | \_/\_/ \__,_|_|  \__,_|\___|_| |_|
          |___/
`

// getConfigPath returns the path to the daemon config file.
// Priority: KEYWARDEN_CONFIG env var > XDG_CONFIG_HOME/keywarden/keywardend.yaml > ~/.config/keywarden/keywardend.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KEYWARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "keywardend.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "keywarden", "keywardend.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: keywardend <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the agent daemon")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Socket: %s (%s)\n", cfg.Listen.Address, cfg.Listen.Network)
	fmt.Println()

	logger.Info("starting keywardend",
		"config", configPath,
		"network", cfg.Listen.Network,
		"address", cfg.Listen.Address,
	)

	ln, err := listen(cfg.Listen)
	if err != nil {
		return err
	}
	if cfg.Listen.Network == "unix" {
		defer os.Remove(cfg.Listen.Address)
	}

	ks := backend.NewKeystore(logger)
	defer ks.Close()

	srv, err := server.New(server.Config{
		Backend:      ks,
		Logger:       logger,
		MaxFrameSize: cfg.Agent.MaxFrameSize,
		DecodePolicy: cfg.DecodePolicy(),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Serve(ctx, ln)
}

// listen binds the configured transport. For unix sockets a stale socket
// file from a previous run is removed first, and the fresh socket is
// restricted to the owning user.
func listen(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.Network == "unix" {
		if err := os.Remove(cfg.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("binding %s listener: %w", cfg.Network, err)
	}

	if cfg.Network == "unix" {
		if err := os.Chmod(cfg.Address, 0600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("restricting socket permissions: %w", err)
		}
	}
	return ln, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
