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

const (
	maxConfigFileSize = 1024 * 1024
	systemConfigDir   = "/etc/triage"
)

// sections are the top-level keys environment variables may set.
var sections = map[string]bool{
	"server": true, "github": true, "llm": true, "knowledge": true,
	"learning": true, "enhancer": true, "sla": true, "validation": true,
	"nats": true, "observability": true, "logging": true, "ratelimit": true,
	"secrets": true,
}

// LoadWithFile loads defaults, then the YAML file at configPath if it
// exists, then environment variables.
//
// An empty configPath means ~/.config/triage/config.yaml. The file must
// live under ~/.config/triage/ or /etc/triage/, be at most 1MB and have
// mode 0600 or 0400.
//
// Environment variables are split on the first underscore into section
// and field: GITHUB_TOKEN sets github.token, SERVER_HTTP_PORT sets
// server.http_port. Variables whose first word is not a section are
// ignored. ANTHROPIC_API_KEY and OPENAI_API_KEY are honoured when the
// llm section leaves the keys empty.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := userConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
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
	applyKeyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name, or "" to skip.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(s), "_")
	if !ok || field == "" || !sections[section] {
		return ""
	}
	return section + "." + field
}

func applyKeyFallbacks(cfg *Config) {
	if !cfg.LLM.AnthropicAPIKey.IsSet() {
		cfg.LLM.AnthropicAPIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if !cfg.LLM.OpenAIAPIKey.IsSet() {
		cfg.LLM.OpenAIAPIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}
}

// readConfigFile returns nil content when the file does not exist. The
// file is opened once and checked through its descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
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

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/triage with mode 0700.
func EnsureConfigDir() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "triage"), nil
}

// validateConfigPath rejects files outside the allowed directories. It
// runs before the file is known to exist.
func validateConfigPath(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return err
	}
	userDir, err := userConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, systemConfigDir} {
		allowed, err := resolve(dir)
		if err != nil {
			return err
		}
		if strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/triage/ or %s/", systemConfigDir)
}

// resolve returns the absolute path with symlinks followed as far as the
// path exists.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	dir, file := filepath.Split(abs)
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(r, file), nil
	}
	return abs, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
