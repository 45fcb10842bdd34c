// ABOUTME: Entry point for the coven-mcp hub
// ABOUTME: Manages local MCP tool servers and the admin API

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-mcp/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / __| '_ \
| (_| (_) \ V /  __/ | | |_____| | | | | | (__| |_) |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___| .__/
                                              |_|
`

// getConfigPath returns the path to the hub config file.
// Priority: COVEN_MCP_CONFIG env var > XDG_CONFIG_HOME/coven/mcp.yaml > ~/.config/coven/mcp.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MCP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mcp.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "mcp.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-mcp <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the hub")
		fmt.Println("  init      Create a default config file")
		fmt.Println("  health    Check hub health")
		fmt.Println("  servers   List configured servers")
		fmt.Println("  reconcile Align persisted server state with reality")
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
	case "health":
		err = runHealth(ctx)
	case "servers":
		err = runServers(ctx)
	case "reconcile":
		err = runReconcile(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	dataPath := getDataPath()
	content := fmt.Sprintf(`server:
  http_addr: "127.0.0.1:8377"

database:
  path: "%s"

mcp:
  log_dir: "%s"
  system_servers_path: "%s"
  proxy_port_min: 9000
  proxy_port_max: 9999
  request_timeout: 30s
  handshake_timeout: 10s
  stop_grace_period: 5s
  sse_reconnect_delay: 5s

logging:
  level: info
  format: text
`,
		filepath.Join(dataPath, "mcp.db"),
		filepath.Join(dataPath, "mcp-logs"),
		filepath.Join(filepath.Dir(configPath), "mcp-servers.toml"),
	)

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runServers(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/servers", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing servers failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing servers failed: status %d", resp.StatusCode)
	}

	var servers []struct {
		Name      string `json:"name"`
		Transport string `json:"transport"`
		Status    string `json:"status"`
		IsSystem  bool   `json:"is_system"`
		ToolCount int    `json:"tool_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(servers) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	for _, s := range servers {
		switch s.Status {
		case "running":
			green.Print("  ● ")
		case "failed":
			red.Print("  ● ")
		default:
			gray.Print("  ○ ")
		}
		fmt.Printf("%-24s", s.Name)
		gray.Printf(" %-6s", s.Transport)
		fmt.Printf(" %s", s.Status)
		if s.ToolCount > 0 {
			gray.Printf("  %d tools", s.ToolCount)
		}
		if s.IsSystem {
			gray.Print("  [system]")
		}
		fmt.Println()
	}
	return nil
}
