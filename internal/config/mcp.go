package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/security"
)

const agentHeaderPrefix = "X-Agent-Name:"

// candidateConfigPaths are searched in order when MCP_CONFIG_PATH is unset.
var candidateConfigPaths = []string{
	"./mcp_config.json",
	"./pax_mcp_config.json",
	"~/.config/mcp/config.json",
	"~/.mcp/config.json",
}

// MCPServer is one resolved server entry from an MCP client config file.
type MCPServer struct {
	Name        string
	ServerURL   string
	OAuthServer string
	AgentName   string
	TokenDir    string
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// LoadMCPServer returns the named server from the config file, or the first
// server in file order when name is empty.
func LoadMCPServer(path, name string) (*MCPServer, error) {
	servers, err := LoadMCPServers(path)
	if err != nil {
		return nil, err
	}

	if name == "" {
		return &servers[0], nil
	}
	names := make([]string, 0, len(servers))
	for i := range servers {
		if servers[i].Name == name {
			return &servers[i], nil
		}
		names = append(names, servers[i].Name)
	}
	return nil, models.ConfigError{Message: fmt.Sprintf(
		"server %q not found in %s (available: %s)", name, path, strings.Join(names, ", "))}
}

// LoadMCPServers parses every server entry in the file, preserving the order
// in which they appear.
func LoadMCPServers(path string) ([]MCPServer, error) {
	path = expandHome(path)
	if err := security.ValidateFilePath(path); err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("invalid MCP config path: %v", err)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("failed to read MCP config %s: %v", path, err)}
	}

	var doc struct {
		MCPServers json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("failed to parse MCP config %s: %v", path, err)}
	}

	names, entries, err := decodeOrdered(doc.MCPServers)
	if err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("failed to parse mcpServers in %s: %v", path, err)}
	}
	if len(names) == 0 {
		return nil, models.ConfigError{Message: fmt.Sprintf("no MCP servers defined in %s", path)}
	}

	servers := make([]MCPServer, 0, len(names))
	for i, name := range names {
		server, err := extractServer(name, entries[i])
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// DefaultMCPConfigPath returns the first existing well-known config path, or
// an empty string.
func DefaultMCPConfigPath() string {
	for _, candidate := range candidateConfigPaths {
		path := expandHome(candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// decodeOrdered walks a JSON object keeping key order, which a map would lose.
func decodeOrdered(raw json.RawMessage) ([]string, []mcpServerEntry, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	var names []string
	var entries []mcpServerEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected key %v", tok)
		}
		var entry mcpServerEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, nil, fmt.Errorf("server %q: %w", name, err)
		}
		names = append(names, name)
		entries = append(entries, entry)
	}
	return names, entries, nil
}

func extractServer(name string, entry mcpServerEntry) (MCPServer, error) {
	server := MCPServer{Name: name}

	args := entry.Args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--oauth-server" && i+1 < len(args):
			server.OAuthServer = args[i+1]
			i++
		case arg == "--header" && i+1 < len(args):
			if value, ok := strings.CutPrefix(args[i+1], agentHeaderPrefix); ok {
				server.AgentName = strings.TrimSpace(value)
			}
			i++
		case strings.HasPrefix(arg, "-"), strings.HasPrefix(arg, "mcp-remote"):
		case server.ServerURL == "" && strings.Contains(arg, "://"):
			server.ServerURL = arg
		}
	}

	if server.ServerURL == "" {
		return server, models.ConfigError{Message: fmt.Sprintf("could not extract server URL for %q", name)}
	}

	server.TokenDir = entry.Env["MCP_REMOTE_CONFIG_DIR"]
	if server.TokenDir == "" {
		server.TokenDir = filepath.Join("~", ".mcp-auth", name)
	}
	server.TokenDir = expandHome(server.TokenDir)

	if server.OAuthServer == "" {
		server.OAuthServer = oauthBase(server.ServerURL)
	}
	if server.AgentName == "" {
		server.AgentName = filepath.Base(server.TokenDir)
	}
	return server, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
