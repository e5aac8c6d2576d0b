// ABOUTME: Admin CLI for a running fleet server
// ABOUTME: Manages realms, users and connections over the HTTP API with a bearer token

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet/internal/gateway"
	"github.com/2389/fleet/internal/network"
)

const banner = `
  __ _           _                  _           _
 / _| | ___  ___| |_       __ _  __| |_ __ ___ (_)_ __
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | '_ ' _ \| | '_ \
|  _| |  __/  __/ ||_____| (_| | (_| | | | | | | | | | |
|_| |_|\___|\___|\__|     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &apiClient{
		baseURL: getEnv("FLEET_SERVER_URL", "http://127.0.0.1:8080"),
		token:   getToken(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, client)
	case "login":
		err = cmdLogin(ctx, client, args)
	case "logout":
		err = cmdLogout(ctx, client)
	case "realms":
		err = cmdRealms(ctx, client, args)
	case "users":
		err = cmdUsers(ctx, client, args)
	case "connections", "conns":
		err = cmdConnections(ctx, client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: fleet-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                                  Show server health and readiness")
	fmt.Println("  login --user U [--realm R] [--password P] Log in and save the token")
	fmt.Println("  logout                                  Revoke the saved session")
	fmt.Println("  realms                                  List visible realms")
	fmt.Println("  realms create <name> [--owner O]        Create a realm")
	fmt.Println("  users list <realm>                      List users in a realm")
	fmt.Println("  users add <realm> <user> [--admin]      Create a user (password from --password or prompt)")
	fmt.Println("  connections <realm>                     List connections in a realm")
	fmt.Println("  connections <realm> history <id>        Show stored revisions of a connection")
	fmt.Println("  connections <realm> watch               Stream connection changes")
	fmt.Println("  connections <realm> rm <id>             Forget a connection")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FLEET_SERVER_URL   Server base URL (default: http://127.0.0.1:8080)")
	fmt.Println("  FLEET_TOKEN        Bearer token (default: ~/.config/fleet/token)")
	fmt.Println()
}

// apiError is the JSON error body every API failure carries.
type apiError struct {
	Status  int
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.baseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses become *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &apiError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *apiClient) requireToken() error {
	if c.token == "" {
		return errors.New("not logged in: run fleet-admin login or set FLEET_TOKEN")
	}
	return nil
}

func realmPath(realm string, parts ...string) string {
	p := "/api/realms/" + url.PathEscape(realm)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// cmdStatus shows server health and readiness
func cmdStatus(ctx context.Context, c *apiClient) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		yellow.Printf("  Server:   ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	green.Printf("  Server:   ")
	fmt.Printf("healthy at %s\n", c.baseURL)

	req, err := c.newRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		green.Printf("  Ready:    ")
	} else {
		yellow.Printf("  Ready:    ")
	}
	fmt.Println(strings.TrimSpace(string(body)))

	if c.token == "" {
		yellow.Printf("  Session:  ")
		fmt.Println("(no token - run fleet-admin login)")
	}
	fmt.Println()
	return nil
}

// parseFlags splits args into positional values and --flag values. Names in
// boolFlags take no value; every other flag accepts "--flag value" or
// "--flag=value".
func parseFlags(args []string, boolFlags ...string) (positional []string, flags map[string]string, err error) {
	flags = make(map[string]string)
	isBool := make(map[string]bool, len(boolFlags))
	for _, f := range boolFlags {
		isBool[f] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch {
		case isBool[name]:
			if hasValue {
				return nil, nil, fmt.Errorf("--%s takes no value", name)
			}
			value = "true"
		case !hasValue:
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return positional, flags, nil
}

// readPassword returns the --password flag or asks for one on stdin.
func readPassword(flags map[string]string) (string, error) {
	if p := flags["password"]; p != "" {
		return p, nil
	}
	fmt.Print("Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// cmdLogin logs in and saves the token for later commands
func cmdLogin(ctx context.Context, c *apiClient, args []string) error {
	_, flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if flags["user"] == "" {
		return errors.New("usage: login --user <name> [--realm <realm>] [--password <password>]")
	}
	password, err := readPassword(flags)
	if err != nil {
		return err
	}

	var resp gateway.LoginResponse
	err = c.do(ctx, http.MethodPost, "/api/login", gateway.LoginRequest{
		Realm:    flags["realm"],
		Username: flags["user"],
		Password: password,
	}, &resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	tokenPath := getTokenPath()
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(resp.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Logged in to realm %s\n", resp.Realm)
	fmt.Printf("  Token: %s\n", tokenPath)
	return nil
}

// cmdLogout revokes the current session and removes the token file
func cmdLogout(ctx context.Context, c *apiClient) error {
	if err := c.requireToken(); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if err := os.Remove(getTokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	color.New(color.FgGreen).Println("✓ Logged out")
	return nil
}

// cmdRealms handles realms subcommands
func cmdRealms(ctx context.Context, c *apiClient, args []string) error {
	if err := c.requireToken(); err != nil {
		return err
	}

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdRealmsList(ctx, c)
	case "create", "add":
		return cmdRealmsCreate(ctx, c, args)
	default:
		return fmt.Errorf("unknown realms subcommand: %s (use list, create)", subcmd)
	}
}

func cmdRealmsList(ctx context.Context, c *apiClient) error {
	var resp gateway.ListRealmsResponse
	if err := c.do(ctx, http.MethodGet, "/api/realms", nil, &resp); err != nil {
		return fmt.Errorf("listing realms: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Realms")
	cyan.Println("  ------")

	if len(resp.Realms) == 0 {
		fmt.Println("  (no realms)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tOWNER\tCREATED")
	fmt.Fprintln(w, "  ----\t-----\t-------")
	for _, r := range resp.Realms {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Name, r.Owner, r.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdRealmsCreate(ctx context.Context, c *apiClient, args []string) error {
	positional, flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("usage: realms create <name> [--owner <user>]")
	}

	var created struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
	}
	err = c.do(ctx, http.MethodPost, "/api/realms", gateway.CreateRealmRequest{
		Name:  positional[0],
		Owner: flags["owner"],
	}, &created)
	if err != nil {
		return fmt.Errorf("creating realm: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created realm: %s\n", created.Name)
	fmt.Printf("  Owner: %s\n", created.Owner)
	return nil
}

// cmdUsers handles users subcommands
func cmdUsers(ctx context.Context, c *apiClient, args []string) error {
	if err := c.requireToken(); err != nil {
		return err
	}
	if len(args) == 2 && (args[0] == "list" || args[0] == "ls") {
		return cmdUsersList(ctx, c, args[1])
	}
	if len(args) == 0 || (args[0] != "add" && args[0] != "create") {
		return errors.New("usage: users list <realm> | users add <realm> <username> [--admin] [--password <password>]")
	}

	positional, flags, err := parseFlags(args[1:], "admin")
	if err != nil {
		return err
	}
	if len(positional) != 2 {
		return errors.New("usage: users add <realm> <username> [--admin] [--password <password>]")
	}
	password, err := readPassword(flags)
	if err != nil {
		return err
	}

	var created struct {
		Username string `json:"username"`
		Admin    bool   `json:"admin"`
	}
	err = c.do(ctx, http.MethodPost, realmPath(positional[0], "users"), gateway.CreateUserRequest{
		Username: positional[1],
		Password: password,
		Admin:    flags["admin"] == "true",
	}, &created)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created user: %s\n", created.Username)
	fmt.Printf("  Realm: %s\n", positional[0])
	fmt.Printf("  Admin: %t\n", created.Admin)
	return nil
}

func cmdUsersList(ctx context.Context, c *apiClient, realm string) error {
	var resp gateway.ListUsersResponse
	if err := c.do(ctx, http.MethodGet, realmPath(realm, "users"), nil, &resp); err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	fmt.Println()
	cyan.Printf("  Users in %s\n", realm)
	cyan.Println("  ---------" + strings.Repeat("-", len(realm)))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USERNAME\tROLE\tCREATED")
	fmt.Fprintln(w, "  --------\t----\t-------")
	for _, u := range resp.Users {
		role := "member"
		if u.Admin {
			role = green.Sprint("admin")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", u.Username, role, u.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

// cmdConnections handles connections subcommands
func cmdConnections(ctx context.Context, c *apiClient, args []string) error {
	if err := c.requireToken(); err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.New("usage: connections <realm> [list|history <id>|watch|rm <id>]")
	}
	realm := args[0]
	args = args[1:]

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdConnectionsList(ctx, c, realm)
	case "history":
		if len(args) != 1 {
			return errors.New("usage: connections <realm> history <id>")
		}
		return cmdConnectionsHistory(ctx, c, realm, args[0])
	case "watch":
		return cmdConnectionsWatch(ctx, c, realm)
	case "rm", "remove", "delete":
		if len(args) != 1 {
			return errors.New("usage: connections <realm> rm <id>")
		}
		if err := c.do(ctx, http.MethodDelete, realmPath(realm, "connections", args[0]), nil, nil); err != nil {
			return fmt.Errorf("removing connection: %w", err)
		}
		color.New(color.FgGreen).Printf("✓ Removed connection: %s\n", args[0])
		return nil
	default:
		return fmt.Errorf("unknown connections subcommand: %s (use list, history, watch, rm)", subcmd)
	}
}

func cmdConnectionsList(ctx context.Context, c *apiClient, realm string) error {
	var resp gateway.ListConnectionsResponse
	if err := c.do(ctx, http.MethodGet, realmPath(realm, "connections"), nil, &resp); err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Connections in %s\n", realm)
	cyan.Println("  ---------------" + strings.Repeat("-", len(realm)))

	if len(resp.Connections) == 0 {
		fmt.Println("  (no connections)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tREMOTE\tDIRECTION\tADDRESS\tRTT\tLAST SEEN")
	fmt.Fprintln(w, "  --\t------\t---------\t-------\t---\t---------")
	for _, conn := range resp.Connections {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(string(conn.ID), 12),
			truncate(conn.Remote.String(), 20),
			conn.Direction,
			conn.Address,
			conn.RTT.Round(time.Millisecond),
			conn.LastSeen.Local().Format("Jan 02 15:04:05"),
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdConnectionsHistory(ctx context.Context, c *apiClient, realm, id string) error {
	var resp gateway.HistoryResponse
	if err := c.do(ctx, http.MethodGet, realmPath(realm, "connections", id, "history"), nil, &resp); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	fmt.Println()
	cyan.Printf("  History of %s\n", resp.ID)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SEQ\tCREATED\tADDRESS\tRTT\tLAST SEEN\t")
	fmt.Fprintln(w, "  ---\t-------\t-------\t---\t---------\t")
	for _, rev := range resp.Revisions {
		latest := ""
		if rev.Latest {
			latest = green.Sprint("latest")
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			rev.Sequence,
			rev.Created.Local().Format("Jan 02 15:04:05"),
			rev.Connection.Address,
			rev.Connection.RTT.Round(time.Millisecond),
			rev.Connection.LastSeen.Local().Format("15:04:05"),
			latest,
		)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// readSSE decodes events from r until it ends or fn returns an error.
func readSSE(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" || ev.Data != "" {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func cmdConnectionsWatch(ctx context.Context, c *apiClient, realm string) error {
	req, err := c.newRequest(ctx, http.MethodGet, realmPath(realm, "connections", "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open; only the context bounds it.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	err = readSSE(resp.Body, func(ev sseEvent) error {
		stamp := gray.Sprint(time.Now().Format("15:04:05"))
		switch ev.Name {
		case "snapshot":
			var snap gateway.ListConnectionsResponse
			if err := json.Unmarshal([]byte(ev.Data), &snap); err != nil {
				return fmt.Errorf("decoding snapshot: %w", err)
			}
			fmt.Printf("%s %s %d connection(s)\n", stamp, color.CyanString("snapshot"), len(snap.Connections))
			for _, conn := range snap.Connections {
				fmt.Printf("         %s\n", describeConnection(conn))
			}
		case "overflow":
			return errors.New("event stream fell behind; run watch again for a fresh snapshot")
		default:
			var change gateway.ConnectionEvent
			if err := json.Unmarshal([]byte(ev.Data), &change); err != nil {
				return fmt.Errorf("decoding %s event: %w", ev.Name, err)
			}
			fmt.Printf("%s %s %s\n", stamp, kindColor(change.Kind), describeConnection(change.Connection))
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func kindColor(kind string) string {
	switch kind {
	case "added":
		return color.GreenString("%-8s", kind)
	case "removed":
		return color.RedString("%-8s", kind)
	default:
		return color.YellowString("%-8s", kind)
	}
}

func describeConnection(c network.ConnectionData) string {
	return fmt.Sprintf("%s %s %s rtt=%s", truncate(string(c.ID), 12), c.Direction, c.Address, c.RTT.Round(time.Millisecond))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTokenPath returns XDG_CONFIG_HOME/fleet/token or ~/.config/fleet/token.
func getTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "fleet", "token")
}

// getToken returns the token from FLEET_TOKEN or the saved token file
func getToken() string {
	if token := os.Getenv("FLEET_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
