package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace for every Pepper environment variable.
// envconfig joins it to each field name split into words, so DBPath is read
// from PEPPER_DB_PATH. Fields carry no envconfig tag, which keeps envconfig
// from falling back to unprefixed names such as HOSTNAME.
const EnvPrefix = "PEPPER"

// DotEnvFile is loaded, when present, before environment overrides are read.
// Variables already set in the environment win over the file.
const DotEnvFile = ".env"

const (
	DefaultLocalURL      = "http://localhost:8001"
	DefaultProductionURL = "https://livekit.virtualemployees.solutions/api"
)

// Config holds all application configuration. The passcode is a secret and
// is loaded exclusively from the environment.
type Config struct {
	Name           string `yaml:"name" split_words:"true"`
	AgentName      string `yaml:"agent_name" split_words:"true"`
	LocalURL       string `yaml:"local_url" split_words:"true"`
	ProductionURL  string `yaml:"production_url" split_words:"true"`
	// Environment mirrors the ?env= query parameter of the web client.
	Environment    string `yaml:"environment" split_words:"true"`
	// Hostname stands in for the page host when no environment was chosen.
	Hostname       string `yaml:"hostname" split_words:"true"`
	ListenAddr     string `yaml:"listen_addr" split_words:"true"`
	DBPath         string `yaml:"db_path" split_words:"true"`
	TranscriptsDir string `yaml:"transcripts_dir" split_words:"true"`
	Console        bool   `yaml:"console" split_words:"true"`
	LogLevel       string `yaml:"log_level" split_words:"true"`
	LogFormat      string `yaml:"log_format" split_words:"true"`

	Passcode string `yaml:"-" split_words:"true"`
}

func defaults() Config {
	return Config{
		AgentName:      "Pepper",
		LocalURL:       DefaultLocalURL,
		ProductionURL:  DefaultProductionURL,
		ListenAddr:     "127.0.0.1:8080",
		DBPath:         "data/pepper.db",
		TranscriptsDir: "data/transcripts",
		Console:        true,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides including the optional .env file, and
// validates the result. It returns the config, any validation warnings, and
// an error if the file exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	return LoadWithEnvFile(path, DotEnvFile)
}

func LoadWithEnvFile(path, envFile string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("process environment: %w", err)
	}

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// HasCredentials reports whether a call can be started without prompting.
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.Name) != "" && strings.TrimSpace(c.Passcode) != ""
}

// PageHost is the host the environment resolver inspects when no
// environment was requested explicitly.
func (c *Config) PageHost() string {
	if h := strings.TrimSpace(c.Hostname); h != "" {
		return h
	}
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return c.ListenAddr
	}
	if host == "" {
		return "localhost"
	}
	return host
}

func validate(cfg *Config) []string {
	var warnings []string

	if !cfg.HasCredentials() {
		warnings = append(warnings, "Name or passcode not configured. Set "+EnvPrefix+"_NAME and "+EnvPrefix+"_PASSCODE, or pass them to /call.")
	}
	if strings.TrimSpace(cfg.AgentName) == "" {
		cfg.AgentName = "Pepper"
	}
	if !validBaseURL(cfg.LocalURL) {
		warnings = append(warnings, fmt.Sprintf("Invalid local_url %q, using default %s.", cfg.LocalURL, DefaultLocalURL))
		cfg.LocalURL = DefaultLocalURL
	}
	if !validBaseURL(cfg.ProductionURL) {
		warnings = append(warnings, fmt.Sprintf("Invalid production_url %q, using default %s.", cfg.ProductionURL, DefaultProductionURL))
		cfg.ProductionURL = DefaultProductionURL
	}
	cfg.LocalURL = strings.TrimRight(cfg.LocalURL, "/")
	cfg.ProductionURL = strings.TrimRight(cfg.ProductionURL, "/")

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "console":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown log_format %q, using console.", cfg.LogFormat))
		cfg.LogFormat = "console"
	}

	return warnings
}

func validBaseURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
