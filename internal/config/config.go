// Package config loads and validates the prloom dispatcher's resolved
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the fully resolved dispatcher configuration (spec.md §6).
type Config struct {
	BaseBranch        string `toml:"base_branch"`
	WorktreesDir      string `toml:"worktrees_dir"`
	GithubPollInterval Duration `toml:"github_poll_interval_ms"`

	Agents AgentConfig `toml:"agents"`

	Bus Bus `toml:"bus"`

	Bridges       map[string]BridgeConfig `toml:"bridges"`
	GlobalBridges map[string]BridgeConfig `toml:"global_bridges"`

	Plugins       map[string]PluginConfig `toml:"plugins"`
	GlobalPlugins map[string]PluginConfig `toml:"global_plugins"`

	CopyFiles    []string `toml:"copy_files"`
	InitCommands []string `toml:"init_commands"`

	Presets map[string]Preset `toml:"presets"`

	Review Review `toml:"review"`

	CommitReview CommitReview `toml:"commit_review"`

	Dispatch Dispatch `toml:"dispatch"`

	History History `toml:"history"`
}

// AgentConfig resolves the adapter used for a given stage. Named bundles
// live under agents.named.<name> so the fixed "default" key and the
// arbitrary set of bundle names never collide during TOML decoding.
type AgentConfig struct {
	Default string           `toml:"default"`
	Named   map[string]Agent `toml:"named"`
}

// Agent is the per-name stage override bundle (spec.md §6:
// agents.<name>.{default|designer|worker|triage|commitReview}).
type Agent struct {
	Default      string `toml:"default"`
	Designer     string `toml:"designer"`
	Worker       string `toml:"worker"`
	Triage       string `toml:"triage"`
	CommitReview string `toml:"commitReview"`
}

// Bus configures the bus runtime's own tick cadence (spec.md §6 bus.tickIntervalMs).
type Bus struct {
	TickIntervalMs Duration `toml:"tick_interval_ms"`
}

// BridgeConfig is one entry of bridges.<name> / global_bridges.<name>.
type BridgeConfig struct {
	Enabled        bool     `toml:"enabled"`
	PollIntervalMs Duration `toml:"poll_interval_ms"`
	Module         string   `toml:"module"`
	Config         map[string]any `toml:"config"`
}

// PluginConfig is one entry of plugins.<name> / global_plugins.<name>.
type PluginConfig struct {
	Enabled bool           `toml:"enabled"`
	Module  string         `toml:"module"`
	Config  map[string]any `toml:"config"`
}

// Preset is an override bundle a plan's inbox metadata can select.
type Preset struct {
	Agent        string            `toml:"agent"`
	CommitReview *CommitReview     `toml:"commit_review"`
	Extra        map[string]string `toml:"extra"`
}

// Review selects the review provider (spec.md §6 review.provider):
// "github" wires the gh-CLI ReviewProvider; any other value wires none.
type Review struct {
	Provider string `toml:"provider"` // "local" | "github" | "custom"
}

// CommitReview is the optional post-TODO reviewer gate (spec.md §4.3, §6).
type CommitReview struct {
	Enabled             bool   `toml:"enabled"`
	MaxLoops            int    `toml:"max_loops"`
	Agent               string `toml:"agent"`
	Model               string `toml:"model"`
	RequireManualResume bool   `toml:"require_manual_resume"`
}

// Dispatch controls which execution backend runs worker/triage/review steps.
type Dispatch struct {
	Backend          string `toml:"backend"` // "local" (default) | "docker" | "tmux" | "temporal"
	TemporalHostPort string `toml:"temporal_host_port"`
}

// History configures the optional sqlite lifecycle ledger.
type History struct {
	DBPath          string  `toml:"db_path"`
	InputPriceMtok  float64 `toml:"input_price_per_mtok"`
	OutputPriceMtok float64 `toml:"output_price_per_mtok"`
}

// Clone returns a deep-enough copy for safe concurrent reads (config.Config
// is only ever replaced wholesale, never mutated in place, by ConfigManager).
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c

	cp.Bridges = cloneBridgeMap(c.Bridges)
	cp.GlobalBridges = cloneBridgeMap(c.GlobalBridges)
	cp.Plugins = clonePluginMap(c.Plugins)
	cp.GlobalPlugins = clonePluginMap(c.GlobalPlugins)

	cp.CopyFiles = append([]string(nil), c.CopyFiles...)
	cp.InitCommands = append([]string(nil), c.InitCommands...)

	cp.Presets = make(map[string]Preset, len(c.Presets))
	for k, v := range c.Presets {
		cp.Presets[k] = v
	}

	cp.Agents.Named = make(map[string]Agent, len(c.Agents.Named))
	for k, v := range c.Agents.Named {
		cp.Agents.Named[k] = v
	}

	return &cp
}

func cloneBridgeMap(m map[string]BridgeConfig) map[string]BridgeConfig {
	cp := make(map[string]BridgeConfig, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func clonePluginMap(m map[string]PluginConfig) map[string]PluginConfig {
	cp := make(map[string]PluginConfig, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ResolveAgent returns the adapter name for a stage, honoring a per-plan
// agent-name override, falling back to agents.<default>.<stage>, then
// agents.default.
func (c *Config) ResolveAgent(stage, planAgentOverride string) string {
	name := planAgentOverride
	if name == "" {
		name = c.Agents.Default
	}
	if bundle, ok := c.Agents.Named[name]; ok {
		switch stage {
		case "designer":
			if bundle.Designer != "" {
				return bundle.Designer
			}
		case "worker":
			if bundle.Worker != "" {
				return bundle.Worker
			}
		case "triage":
			if bundle.Triage != "" {
				return bundle.Triage
			}
		case "commitReview":
			if bundle.CommitReview != "" {
				return bundle.CommitReview
			}
		}
		if bundle.Default != "" {
			return bundle.Default
		}
	}
	return c.Agents.Default
}

// Load decodes a TOML config file at path into a resolved Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Agents.Named == nil {
		cfg.Agents.Named = map[string]Agent{}
	}
	if cfg.Bridges == nil {
		cfg.Bridges = map[string]BridgeConfig{}
	}
	if cfg.GlobalBridges == nil {
		cfg.GlobalBridges = map[string]BridgeConfig{}
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	if cfg.GlobalPlugins == nil {
		cfg.GlobalPlugins = map[string]PluginConfig{}
	}
	if cfg.Presets == nil {
		cfg.Presets = map[string]Preset{}
	}

	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Dispatch.Backend == "" {
		cfg.Dispatch.Backend = "local"
	}
	if cfg.Review.Provider == "" {
		cfg.Review.Provider = "local"
	}

	return &cfg, nil
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
