// ABOUTME: TOML seed file parsing for system-provisioned tool servers
// ABOUTME: Seed entries are reconciled into the store at startup

package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SystemServer is one entry of the system server seed file. System servers
// are owned by the hub, auto-started when enabled, and visible to all users.
type SystemServer struct {
	Name        string            `toml:"name"`
	DisplayName string            `toml:"display_name"`
	Description string            `toml:"description"`
	Transport   string            `toml:"transport"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         map[string]string `toml:"env"`
	URL         string            `toml:"url"`
	Headers     map[string]string `toml:"headers"`
	Enabled     bool              `toml:"enabled"`
}

type systemServersFile struct {
	Servers []SystemServer `toml:"servers"`
}

// LoadSystemServers parses the TOML seed file at path. A missing file is
// not an error; it just means no system servers are provisioned.
func LoadSystemServers(path string) ([]SystemServer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading system servers file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var f systemServersFile
	if err := toml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parsing system servers file: %w", err)
	}

	for i, srv := range f.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("system server %d has no name", i)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return nil, fmt.Errorf("system server %q: stdio transport requires a command", srv.Name)
			}
		case "http", "sse":
			if srv.URL == "" {
				return nil, fmt.Errorf("system server %q: %s transport requires a url", srv.Name, srv.Transport)
			}
		default:
			return nil, fmt.Errorf("system server %q: unknown transport %q", srv.Name, srv.Transport)
		}
	}

	return f.Servers, nil
}
