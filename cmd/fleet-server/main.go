// ABOUTME: Entry point for the fleet server
// ABOUTME: Serves realm data over HTTP and handles first-time setup

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fleet/internal/auth"
	"github.com/2389/fleet/internal/config"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/gateway"
	"github.com/2389/fleet/internal/instance"
	"github.com/2389/fleet/internal/realm"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _
 / _| | ___  ___| |_
| |_| |/ _ \/ _ \ __|
|  _| |  __/  __/ |_
|_| |_|\___|\___|\__|
`

// getConfigPath returns the path to the server config file.
// Priority: FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/server.yaml > ~/.config/fleet/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "server.yaml")
}

// getDataPath returns the directory holding realm stores.
// Priority: XDG_DATA_HOME/fleet > ~/.local/share/fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fleet")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                    Start the server")
		fmt.Println("  init                                     Create a new config file interactively")
		fmt.Println("  bootstrap --realm R --user U --password P Create a realm and its first admin")
		fmt.Println("  health                                   Check server health")
		fmt.Println("  ready                                    Show readiness and realm count")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "ready":
		err = runReady(ctx)
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   ")
	if cfg.Database.Ephemeral {
		yellow.Println("in memory (ephemeral)")
	} else {
		fmt.Println(cfg.Database.Storage)
	}
	fmt.Println()

	logger.Info("starting fleet-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"ephemeral", cfg.Database.Ephemeral,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	green.Print("    ▶ ")
	fmt.Printf("Instance:  %s\n\n", gw.ServerID())

	return gw.Run(ctx)
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
			mu:    &sync.Mutex{},
			out:   os.Stdout,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output. Handlers derived through
// WithAttrs or WithGroup share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	body, err := getEndpoint(ctx, "/health")
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(body))
	return nil
}

func runReady(ctx context.Context) error {
	body, err := getEndpoint(ctx, "/health/ready")
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(body))
	return nil
}

// getEndpoint fetches path from the configured server and fails on any
// status other than 200.
func getEndpoint(ctx context.Context, path string) (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

type bootstrapArgs struct {
	realm    string
	user     string
	password string
}

// parseBootstrapArgs accepts both "--flag value" and "--flag=value".
func parseBootstrapArgs(args []string) (bootstrapArgs, error) {
	var out bootstrapArgs
	targets := map[string]*string{
		"realm":    &out.realm,
		"user":     &out.user,
		"password": &out.password,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		target, ok := targets[name]
		if !ok {
			return out, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		*target = value
	}

	if out.realm == "" {
		out.realm = string(database.DefaultRealm)
	}
	if out.user == "" {
		return out, errors.New("--user flag is required")
	}
	if out.password == "" {
		return out, errors.New("--password flag is required")
	}
	return out, nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret and instance id (if missing)
// 2. Creates the realm (if missing) and an admin user in it
// 3. Logs the admin in and saves the token next to the config
func runBootstrap(ctx context.Context, args []string) error {
	opts, err := parseBootstrapArgs(args)
	if err != nil {
		return err
	}
	realmName, err := database.ParseRealmName(opts.realm)
	if err != nil {
		return err
	}

	configPath := getConfigPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
		cfg, err = newConfig(getDataPath())
		if err != nil {
			return err
		}
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}
	if cfg.Database.Ephemeral {
		return fmt.Errorf("database.ephemeral is set in %s; bootstrap needs persistent storage", configPath)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := gateway.NewRegistry()
	if err != nil {
		return err
	}
	db, err := database.NewLayer(cfg.Database, reg, database.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	realms, err := realm.NewLayer(ctx, db, logger)
	if err != nil {
		return err
	}
	defer realms.Close()

	green.Printf("  ✓ Storage: %s\n", cfg.Database.Storage)

	if _, err := realms.Create(ctx, realmName, opts.user); err == nil {
		green.Printf("  ✓ Created realm: %s\n", realmName)
	} else if errors.Is(err, realm.ErrRealmExists) {
		cyan.Printf("  Using existing realm: %s\n", realmName)
	} else {
		return fmt.Errorf("creating realm: %w", err)
	}

	svc := auth.NewService(realms, []byte(cfg.Auth.JWTSecret), cfg.Auth.SessionTTL, logger)
	user, err := svc.CreateUser(ctx, realmName, opts.user, opts.password, true)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created admin user: %s\n", user.Username)

	token, err := svc.Login(ctx, realmName, opts.user, opts.password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin")
	cyan.Println("  -----")
	fmt.Printf("  Realm:    %s\n", realmName)
	fmt.Printf("  User:     %s\n", user.Username)
	fmt.Printf("  Session:  %s\n", cfg.Auth.SessionTTL)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    fleet-server serve     # start the server")
	fmt.Println("    fleet-admin realms     # list realms")
	fmt.Println()

	return nil
}

// newConfig returns a persistent configuration with a fresh secret and
// server identity.
func newConfig(dataPath string) (*config.Config, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generating JWT secret: %w", err)
	}

	cfg := config.Default()
	cfg.Database.Ephemeral = false
	cfg.Database.Storage = dataPath
	cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secretBytes)
	cfg.Server.InstanceID = instance.NewID(instance.Server).String()
	return cfg, nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet-server configuration setup")
	fmt.Println("================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Storage Configuration ---")
	ephemeral := yes(prompt(reader, "Keep everything in memory?", "no"))
	storage := ""
	if !ephemeral {
		storage = prompt(reader, "Storage directory", getDataPath())
	}

	fmt.Println("\n--- Network Configuration ---")
	staleAfter := prompt(reader, "Connection stale after", "90s")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	cfg, err := newConfig(storage)
	if err != nil {
		return err
	}
	cfg.Server.HTTPAddr = httpAddr
	cfg.Database.Ephemeral = ephemeral
	cfg.Network.StaleAfterRaw = staleAfter
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat

	if err := cfg.Save(outputFile); err != nil {
		return err
	}
	// Validate what was written the same way serve will read it.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if storage != "" {
		if err := os.MkdirAll(storage, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if storage != "" {
		fmt.Printf("Data directory: %s\n", storage)
	}
	fmt.Println("\nTo start the server:")
	fmt.Printf("  fleet-server serve\n")

	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
