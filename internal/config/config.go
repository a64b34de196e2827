package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the DialFlow server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	PBXHost       string // FreePBX host reached over its REST/WebSocket control plane
	PBXPort       int    // ARI HTTP / WebSocket port on the PBX
	PBXUsername   string // ARI username
	PBXPassword   string // ARI password
	PBXApp        string // Stasis application name channels are originated into
	HTTPPort      int    // listen port for the API, action and push endpoints
	ActionBaseURL string // base URL campaign action scripts are served from
	CatalogURL    string // campaign catalog JSON endpoint (empty disables the fetcher)
	InventoryURL  string // trunk inventory JSON endpoint (empty disables the fetcher)
	CORSOrigins   string // comma-separated allowed origins, "*" for any, empty disables CORS
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
}

// defaults
const (
	defaultPBXPort       = 8088
	defaultPBXApp        = "dialflow"
	defaultHTTPPort      = 3000
	defaultActionBaseURL = "http://localhost:3000"
	defaultCORSOrigins   = "*"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for DialFlow-specific environment variables.
// The PBX host, listen port and action base URL additionally honor the
// legacy names FREEPBX_IP, PORT and ACTION_BASE_URL.
const envPrefix = "DIALFLOW_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. The PBX host may also be
// passed as the first positional argument.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialflow", flag.ContinueOnError)

	fs.StringVar(&cfg.PBXHost, "pbx-host", "", "PBX host (required; also read from FREEPBX_IP or the first positional argument)")
	fs.IntVar(&cfg.PBXPort, "pbx-port", defaultPBXPort, "PBX ARI HTTP/WebSocket port")
	fs.StringVar(&cfg.PBXUsername, "pbx-username", "", "PBX ARI username")
	fs.StringVar(&cfg.PBXPassword, "pbx-password", "", "PBX ARI password")
	fs.StringVar(&cfg.PBXApp, "pbx-app", defaultPBXApp, "Stasis application name for originated channels")
	fs.IntVar(&cfg.HTTPPort, "port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.ActionBaseURL, "action-base-url", defaultActionBaseURL, "base URL for campaign action scripts")
	fs.StringVar(&cfg.CatalogURL, "catalog-url", "", "campaign catalog JSON endpoint (empty disables periodic fetch)")
	fs.StringVar(&cfg.InventoryURL, "inventory-url", "", "trunk inventory JSON endpoint (empty disables periodic fetch)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", defaultCORSOrigins, "comma-separated allowed CORS origins, * for any, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	// The PBX host may be given as the first positional argument.
	if cfg.PBXHost == "" && fs.NArg() > 0 {
		cfg.PBXHost = fs.Arg(0)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name. The host, port and action base URL
	// use the unprefixed names the deployment environment already exports.
	envMap := map[string]string{
		"pbx-host":        "FREEPBX_IP",
		"port":            "PORT",
		"action-base-url": "ACTION_BASE_URL",
		"pbx-port":        envPrefix + "PBX_PORT",
		"pbx-username":    envPrefix + "PBX_USERNAME",
		"pbx-password":    envPrefix + "PBX_PASSWORD",
		"pbx-app":         envPrefix + "PBX_APP",
		"catalog-url":     envPrefix + "CATALOG_URL",
		"inventory-url":   envPrefix + "INVENTORY_URL",
		"cors-origins":    envPrefix + "CORS_ORIGINS",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "pbx-host":
			cfg.PBXHost = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "action-base-url":
			cfg.ActionBaseURL = val
		case "pbx-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PBXPort = v
			}
		case "pbx-username":
			cfg.PBXUsername = val
		case "pbx-password":
			cfg.PBXPassword = val
		case "pbx-app":
			cfg.PBXApp = val
		case "catalog-url":
			cfg.CatalogURL = val
		case "inventory-url":
			cfg.InventoryURL = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.PBXHost == "" {
		return fmt.Errorf("pbx host is required: set FREEPBX_IP, pass -pbx-host, or give it as the first argument")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.PBXPort < 1 || c.PBXPort > 65535 {
		return fmt.Errorf("pbx-port must be between 1 and 65535, got %d", c.PBXPort)
	}
	if c.PBXApp == "" {
		return fmt.Errorf("pbx-app must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.ActionBaseURL = strings.TrimRight(c.ActionBaseURL, "/")
	if err := checkHTTPURL("action-base-url", c.ActionBaseURL); err != nil {
		return err
	}
	if c.CatalogURL != "" {
		if err := checkHTTPURL("catalog-url", c.CatalogURL); err != nil {
			return err
		}
	}
	if c.InventoryURL != "" {
		if err := checkHTTPURL("inventory-url", c.InventoryURL); err != nil {
			return err
		}
	}

	return nil
}

// checkHTTPURL verifies that the value is an absolute http or https URL.
func checkHTTPURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, value)
	}
	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
