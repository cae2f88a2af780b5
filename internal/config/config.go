package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the browsersuite CLI needs for one run.
type Config struct {
	Server ServerOptions `yaml:"server" toml:"server"`
	Suite  SuiteOptions  `yaml:"suite" toml:"suite"`

	// EnvFile is the dotenv file holding browser location settings.
	EnvFile  string `yaml:"env_file" toml:"env_file"`
	LogLevel string `yaml:"log_level" toml:"log_level"`
	LogFile  string `yaml:"log_file" toml:"log_file"`
}

// DefaultEnvFile is where the browser binary settings are read from.
var DefaultEnvFile = "./env/chrome.env"

// Default returns a config populated with documented defaults.
func Default() *Config {
	return &Config{
		Server:   DefaultServerOptions(),
		Suite:    DefaultSuiteOptions(),
		EnvFile:  DefaultEnvFile,
		LogLevel: "info",
		LogFile:  "logs/browsersuite.log",
	}
}

// Load builds a config from defaults, the optional file at path, and the
// process environment. Files ending in .toml are read as TOML, anything else
// as YAML. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg.LogLevel = strings.ToLower(getEnvOrDefault("BROWSERSUITE_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnvOrDefault("BROWSERSUITE_LOG_FILE", cfg.LogFile)
	cfg.Suite.Browser.CDPAddress = getEnvOrDefault("CHROMIUM_CDP_ADDRESS", cfg.Suite.Browser.CDPAddress)
	cfg.Suite.Browser.CDPPort = getEnvIntOrDefault("CHROMIUM_CDP_PORT", cfg.Suite.Browser.CDPPort)

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// BrowserEnv is the browser configuration read from the dotenv file.
type BrowserEnv struct {
	// Bin is the Chrome/Chromium executable (CHROME_BIN).
	Bin string
	// Headless overrides SuiteOptions.Headless when CHROME_HEADLESS is set.
	Headless *bool
}

// LoadBrowserEnv loads the dotenv file at path into the process environment
// and reads CHROME_BIN and CHROME_HEADLESS from it. PUPPETEER_BIN and
// PUPPETEER_HEADLESS are honoured for projects migrating their env files.
func LoadBrowserEnv(path string) (BrowserEnv, error) {
	if err := godotenv.Load(path); err != nil {
		return BrowserEnv{}, fmt.Errorf("%w\nPlease provide a dotenv configuration file: %s", err, path)
	}

	env := BrowserEnv{Bin: getEnvOrDefault("CHROME_BIN", os.Getenv("PUPPETEER_BIN"))}
	headless := getEnvOrDefault("CHROME_HEADLESS", os.Getenv("PUPPETEER_HEADLESS"))
	if headless != "" {
		b := headless == "true"
		env.Headless = &b
	}
	return env, nil
}

// ErrMissingBrowserBin is returned when no browser executable is configured.
var ErrMissingBrowserBin = errors.New("please define 'CHROME_BIN' in the dotenv configuration file")

// RequireBin returns the browser executable, checking it exists on disk.
func (e BrowserEnv) RequireBin() (string, error) {
	if e.Bin == "" {
		return "", ErrMissingBrowserBin
	}
	if err := CheckBin(e.Bin); err != nil {
		return "", err
	}
	return e.Bin, nil
}

// CheckBin reports an error when no browser executable exists at path.
func CheckBin(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("could not locate Chrome binary path:\n%s", path)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
		slog.Debug("ignoring non-integer env value", "key", key, "value", val)
	}
	return defaultVal
}
