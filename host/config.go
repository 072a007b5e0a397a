package host

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/protocol"
)

// Config is the top-level miniappd configuration.
type Config struct {
	Listen         string           `yaml:"listen"`
	Browser        BrowserConfig    `yaml:"browser"`
	Framework      FrameworkConfig  `yaml:"framework"`
	StyleEngineURL string           `yaml:"style_engine_url"`
	Bundler        BundlerConfig    `yaml:"bundler"`
	Store          StoreConfig      `yaml:"store"`
	AI             AIConfig         `yaml:"ai"`
	Identity       IdentityConfig   `yaml:"identity"`
	Screenshot     ScreenshotConfig `yaml:"screenshot"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
}

// FrameworkConfig pins the UI framework served to guests.
type FrameworkConfig struct {
	Name       string `yaml:"name"`
	DOMPackage string `yaml:"dom_package"`
	Version    string `yaml:"version"`
	CDN        string `yaml:"cdn"`
}

// BundlerConfig sizes the compiler.
type BundlerConfig struct {
	Workers   int `yaml:"workers"`
	CacheSize int `yaml:"cache_size"`
}

// StoreConfig selects the synced store. An empty path keeps state in memory.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AIConfig configures the AI provider. The key is read from APIKeyEnv.
type AIConfig struct {
	APIKeyEnv   string        `yaml:"api_key_env"`
	Model       string        `yaml:"model"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// IdentityConfig is the user mini-apps see when a request carries none.
type IdentityConfig struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// ScreenshotConfig holds capture defaults.
type ScreenshotConfig struct {
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Settle       time.Duration `yaml:"settle"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and fills defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("host: parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig is the configuration of an empty file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.Width <= 0 || c.Browser.Height <= 0 {
		c.Browser.Width, c.Browser.Height = 1280, 800
	}
	def := assembler.DefaultFramework
	if c.Framework.Name == "" {
		c.Framework.Name = def.Name
	}
	if c.Framework.DOMPackage == "" {
		c.Framework.DOMPackage = def.DOMPackage
	}
	if c.Framework.Version == "" {
		c.Framework.Version = def.Version
	}
	if c.Framework.CDN == "" {
		c.Framework.CDN = def.CDN
	}
	if c.StyleEngineURL == "" {
		c.StyleEngineURL = assembler.DefaultStyleEngineURL
	}
	if c.Bundler.Workers <= 0 {
		c.Bundler.Workers = 2
	}
	if c.Bundler.CacheSize <= 0 {
		c.Bundler.CacheSize = 64
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 250 * time.Millisecond
	}
	if c.AI.APIKeyEnv == "" {
		c.AI.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.AI.MaxFailures == 0 {
		c.AI.MaxFailures = 5
	}
	if c.AI.OpenTimeout <= 0 {
		c.AI.OpenTimeout = 30 * time.Second
	}
	if c.Identity.Name == "" {
		c.Identity.Name = "Guest"
	}
	if c.Identity.Color == "" {
		c.Identity.Color = "blue"
	}
	if c.Screenshot.Width <= 0 || c.Screenshot.Height <= 0 {
		c.Screenshot.Width, c.Screenshot.Height = 800, 600
	}
	if c.Screenshot.LoadTimeout <= 0 {
		c.Screenshot.LoadTimeout = 10 * time.Second
	}
	if c.Screenshot.ReadyTimeout <= 0 {
		c.Screenshot.ReadyTimeout = 10 * time.Second
	}
	if c.Screenshot.Settle <= 0 {
		c.Screenshot.Settle = 500 * time.Millisecond
	}
}

// framework converts the config section.
func (c *Config) framework() assembler.Framework {
	return assembler.Framework{
		Name:       c.Framework.Name,
		DOMPackage: c.Framework.DOMPackage,
		Version:    c.Framework.Version,
		CDN:        c.Framework.CDN,
	}
}

func (c *Config) defaultUser() protocol.User {
	return protocol.User{Name: c.Identity.Name, Color: c.Identity.Color}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
