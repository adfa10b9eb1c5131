package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// sections are the top-level keys an environment variable may target.
var sections = map[string]bool{
	"server":        true,
	"azure":         true,
	"llm":           true,
	"embeddings":    true,
	"vectorstore":   true,
	"chunking":      true,
	"query":         true,
	"timeouts":      true,
	"logging":       true,
	"observability": true,
	"events":        true,
}

// envAliases maps legacy variable names onto config keys.
var envAliases = map[string]string{
	"CHROMA_PERSIST_DIRECTORY": "vectorstore.chromem_path",
	"API_HOST":                 "server.host",
	"API_PORT":                 "server.http_port",
	"NATS_URL":                 "events.nats_url",
}

// DefaultConfigPath returns ~/.config/docqa/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "docqa", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, AZURE_OPENAI_ENDPOINT, ...)
//  2. YAML config file
//  3. Default()
//
// An empty configPath means DefaultConfigPath. A missing file is not an
// error. An existing file must be 0600 or 0400 and at most 1MB.
//
// Environment variables map SECTION_FIELD to section.field, splitting on the
// first underscore only:
//
//	SERVER_HTTP_PORT         -> server.http_port
//	AZURE_OPENAI_API_KEY     -> azure.openai_api_key
//	VECTORSTORE_CHROMEM_PATH -> vectorstore.chromem_path
//
// CHROMA_PERSIST_DIRECTORY, API_HOST, API_PORT and NATS_URL are accepted as
// aliases. Variables outside the known sections are ignored.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyProviderDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey transforms an environment variable name into a config key. An
// empty result tells the provider to skip the variable.
func envKey(name string) string {
	if alias, ok := envAliases[name]; ok {
		return alias
	}
	lower := strings.ToLower(name)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 || !sections[parts[0]] {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size. The file
// may hold API keys.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
