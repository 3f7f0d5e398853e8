package messaging

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// Account is the bare JID whose conversations are synchronized.
	Account string `yaml:"account"`

	// DatabaseURI points at the SQLite file holding the local archive.
	DatabaseURI string `yaml:"database_uri"`

	Sync    SyncConfig        `yaml:"sync"`
	Logging zeroconfig.Config `yaml:"logging"`
}

type SyncConfig struct {
	// PageSize is how many archive items to request per page.
	PageSize int `yaml:"page_size"`

	// MaxLookbackDays bounds how far back a catchup may reach. Rooms idle
	// longer than this lose the gap; the archive stays authoritative.
	MaxLookbackDays int `yaml:"max_lookback_days"`

	// CatchupConcurrency is how many rooms are caught up in parallel.
	CatchupConcurrency int `yaml:"catchup_concurrency"`

	// MaxLookback is MaxLookbackDays as a duration, filled by PostProcess.
	MaxLookback time.Duration `yaml:"-"`

	// MaxConcurrency mirrors CatchupConcurrency, filled by PostProcess.
	MaxConcurrency int `yaml:"-"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Account == "" {
		return fmt.Errorf("account must be set")
	}
	if c.DatabaseURI == "" {
		c.DatabaseURI = "prose-sync.db"
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 100
	}
	if c.Sync.MaxLookbackDays <= 0 {
		c.Sync.MaxLookbackDays = 30
	}
	if c.Sync.CatchupConcurrency <= 0 {
		c.Sync.CatchupConcurrency = 4
	}
	c.Sync.MaxLookback = time.Duration(c.Sync.MaxLookbackDays) * 24 * time.Hour
	c.Sync.MaxConcurrency = c.Sync.CatchupConcurrency
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "account")
	helper.Copy(up.Str, "database_uri")
	helper.Copy(up.Int, "sync", "page_size")
	helper.Copy(up.Int, "sync", "max_lookback_days")
	helper.Copy(up.Int, "sync", "catchup_concurrency")
	helper.Copy(up.Map, "logging")
}

// UpgradeConfig rewrites the config file at path, carrying the user's
// values over onto the current example config layout.
func UpgradeConfig(path string, save bool) ([]byte, bool, error) {
	return up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
