package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CODEBUNDLE_"
)

// Load loads configuration from a YAML or TOML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CODEBUNDLE_PAYLOAD_MAX_BYTES, CODEBUNDLE_SERVER_HTTP_PORT, etc.)
//  2. Config file (~/.config/codebundle/config.yaml, or configPath)
//  3. Hardcoded defaults
//
// A missing default config file is not an error; a missing explicit
// configPath is. The parser is chosen by extension: .toml uses TOML,
// anything else YAML.
//
// Files larger than 1MB and world-writable files are rejected.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from
// field:
//
//	CODEBUNDLE_PAYLOAD_MAX_BYTES -> payload.max_bytes
//	CODEBUNDLE_SCAN_IGNORE_FILES -> scan.ignore_files (comma separated)
//	CODEBUNDLE_SCAN_SKIP_DIRS    -> scan.skip_dirs (comma separated)
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Boolean defaults cannot be told apart from an explicit false later.
	if err := k.Set("scan.detect_git_root", true); err != nil {
		return nil, fmt.Errorf("setting defaults: %w", err)
	}
	if err := k.Set("telemetry.sample_rate", 1.0); err != nil {
		return nil, fmt.Errorf("setting defaults: %w", err)
	}

	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "codebundle", "config.yaml")
	}

	content, err := readConfigFile(configPath)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), parserFor(configPath)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Manifest.Dir = expandHome(cfg.Manifest.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile opens path once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
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

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("insecure config file permissions: %v (world-writable)", info.Mode().Perm())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOMLParser()
	}
	return yaml.Parser()
}

// envTransform maps CODEBUNDLE_SECTION_FIELD_NAME to section.field_name.
// List-valued keys are split on commas.
func envTransform(key, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	k := parts[0] + "." + parts[1]

	if k == "scan.ignore_files" || k == "scan.skip_dirs" {
		var names []string
		for _, n := range strings.Split(value, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		return k, names
	}
	return k, value
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
