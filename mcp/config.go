package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// normalizedConfig is the JSON-normalized shape hashed to derive a session
// id. Env pairs are normalized to two-element [key, value] sequences,
// sorted by key, so logically identical configs hash identically
// regardless of map iteration order.
type normalizedConfig struct {
	Command     string      `json:"command,omitempty"`
	Args        []string    `json:"args,omitempty"`
	Env         [][2]string `json:"env,omitempty"`
	URL         string      `json:"url,omitempty"`
	AuthToken   string      `json:"auth_token,omitempty"`
	ExecutionID string      `json:"execution_id,omitempty"`
}

// DeriveID computes the deterministic session id for cfg: the lowercase
// hex of the first 8 bytes of SHA-256 over the JSON-normalized config.
func DeriveID(cfg ServerConfig) string {
	env := make([][2]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, [2]string{k, v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i][0] < env[j][0] })

	norm := normalizedConfig{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         env,
		URL:         cfg.URL,
		AuthToken:   cfg.AuthToken,
		ExecutionID: cfg.ExecutionID,
	}

	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Validate checks the server configuration for path traversal and shell
// metacharacter injection in stdio commands/args.
func (c ServerConfig) Validate() error {
	if c.Transport() == TransportStdio {
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
		if strings.Contains(c.Command, "..") {
			return fmt.Errorf("command contains path traversal: %q", c.Command)
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
			}
		}
		return nil
	}

	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ServerListFile is the YAML shape for a declarative server list, the
// shape LoadServerConfigs reads.
type ServerListFile struct {
	Enabled bool           `yaml:"enabled"`
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServerConfigs reads a YAML file describing a list of MCP servers.
func LoadServerConfigs(path string) (ServerListFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerListFile{}, fmt.Errorf("mcp: read config %s: %w", path, err)
	}

	var file ServerListFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ServerListFile{}, fmt.Errorf("mcp: parse config %s: %w", path, err)
	}
	for i, srv := range file.Servers {
		if err := srv.Validate(); err != nil {
			return ServerListFile{}, fmt.Errorf("mcp: server[%d]: %w", i, err)
		}
	}
	return file, nil
}
