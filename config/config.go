// Package config loads the locsync configuration document and turns it into
// pipeline settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"locsync/catalog"
	"locsync/pipeline"
	"locsync/row"
	"locsync/snapshot"
	"locsync/token"
	"locsync/writer"
)

// EnvPrefix prefixes every environment override, e.g. LOCSYNC_ROOT.
const EnvPrefix = "LOCSYNC"

// Languages accepts either a list or a comma-separated scalar:
//
//	languages: [KR, EN]
//	languages: "KR,EN"
type Languages []string

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l *Languages) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitCSV(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("languages: expected a list or a comma-separated string")
	}
}

func (l *Languages) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case string:
		*l = splitCSV(x)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("languages: unexpected value %v", item)
			}
			out = append(out, s)
		}
		*l = out
	default:
		return fmt.Errorf("languages: expected a list or a comma-separated string")
	}
	return nil
}

type Config struct {
	Root     string   `yaml:"root" toml:"root"`
	Snapshot string   `yaml:"snapshot" toml:"snapshot"`
	Catalog  string   `yaml:"catalog" toml:"catalog"`
	CacheDir string   `yaml:"cache_dir" toml:"cache_dir"`
	Rules    string   `yaml:"rules" toml:"rules"`
	Staging  string   `yaml:"staging" toml:"staging"`
	Patterns []string `yaml:"patterns" toml:"patterns"`

	Languages Languages `yaml:"languages" toml:"languages"`
	BatchSize int       `yaml:"batch_size" toml:"batch_size"`

	// SafeMode defaults to true when absent.
	SafeMode          *bool  `yaml:"safe_mode" toml:"safe_mode"`
	BackupDir         string `yaml:"backup_dir" toml:"backup_dir"`
	ClearTranslations bool   `yaml:"clear_translations" toml:"clear_translations"`
	RequestColumn     string `yaml:"request_column" toml:"request_column"`
	RequestMarker     string `yaml:"request_marker" toml:"request_marker"`

	TokenPrefix   string `yaml:"token_prefix" toml:"token_prefix"`
	CatalogPrefix string `yaml:"catalog_prefix" toml:"catalog_prefix"`
	CatalogWidth  int    `yaml:"catalog_width" toml:"catalog_width"`

	Debug bool `yaml:"debug" toml:"debug"`
}

// env mirrors the overridable keys. Pointer fields stay nil when unset.
type env struct {
	Root      string   `envconfig:"ROOT"`
	Snapshot  string   `envconfig:"SNAPSHOT"`
	Catalog   string   `envconfig:"CATALOG"`
	CacheDir  string   `envconfig:"CACHE_DIR"`
	Rules     string   `envconfig:"RULES"`
	Staging   string   `envconfig:"STAGING"`
	BackupDir string   `envconfig:"BACKUP_DIR"`
	Languages []string `envconfig:"LANGUAGES"`
	BatchSize *int     `envconfig:"BATCH_SIZE"`
	SafeMode  *bool    `envconfig:"SAFE_MODE"`
	Debug     *bool    `envconfig:"DEBUG"`
}

// LoadFile decodes a config document. ".toml" files are TOML; anything else
// is YAML, which also covers JSON documents.
func LoadFile(path string) (*Config, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(p), ".toml") {
		if _, err := toml.DecodeFile(p, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		return &cfg, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return &cfg, nil
}

// ApplyEnv overlays LOCSYNC_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return err
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.Root, e.Root)
	setString(&c.Snapshot, e.Snapshot)
	setString(&c.Catalog, e.Catalog)
	setString(&c.CacheDir, e.CacheDir)
	setString(&c.Rules, e.Rules)
	setString(&c.Staging, e.Staging)
	setString(&c.BackupDir, e.BackupDir)
	if len(e.Languages) > 0 {
		c.Languages = e.Languages
	}
	if e.BatchSize != nil {
		c.BatchSize = *e.BatchSize
	}
	if e.SafeMode != nil {
		v := *e.SafeMode
		c.SafeMode = &v
	}
	if e.Debug != nil {
		c.Debug = *e.Debug
	}
	return nil
}

// Load reads the optional file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		c, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func expand(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return homedir.Expand(p)
}

// Pipeline resolves defaults and home-relative paths into runner settings.
func (c *Config) Pipeline() (pipeline.Config, error) {
	out := pipeline.Config{
		Patterns:          c.Patterns,
		BatchSize:         c.BatchSize,
		SafeMode:          true,
		ClearTranslations: c.ClearTranslations,
		RequestColumn:     c.RequestColumn,
		RequestMarker:     c.RequestMarker,
		TokenPrefix:       c.TokenPrefix,
		CatalogPrefix:     c.CatalogPrefix,
		CatalogWidth:      c.CatalogWidth,
		Debug:             c.Debug,
	}
	if c.SafeMode != nil {
		out.SafeMode = *c.SafeMode
	}
	if out.BatchSize <= 0 {
		out.BatchSize = snapshot.DefaultBatchSize
	}
	if out.RequestColumn == "" {
		out.RequestColumn = writer.DefaultRequestColumn
	}
	if out.RequestMarker == "" {
		out.RequestMarker = writer.DefaultRequestMarker
	}
	if out.TokenPrefix == "" {
		out.TokenPrefix = token.DefaultPrefix
	}
	if out.CatalogPrefix == "" {
		out.CatalogPrefix = catalog.DefaultPrefix
	}
	if out.CatalogWidth <= 0 {
		out.CatalogWidth = catalog.DefaultWidth
	}
	if len(c.Languages) > 0 {
		out.Languages = row.ParseLanguages(c.Languages)
		if len(out.Languages) == 0 {
			return out, fmt.Errorf("languages: none of %v is a known language", []string(c.Languages))
		}
	}

	paths := []struct {
		src string
		dst *string
	}{
		{c.Root, &out.Root},
		{c.Snapshot, &out.Snapshot},
		{c.Catalog, &out.Catalog},
		{c.CacheDir, &out.CacheDir},
		{c.Rules, &out.Rules},
		{c.Staging, &out.Staging},
		{c.BackupDir, &out.BackupDir},
	}
	for _, p := range paths {
		v, err := expand(strings.TrimSpace(p.src))
		if err != nil {
			return out, fmt.Errorf("expand %q: %w", p.src, err)
		}
		*p.dst = v
	}
	return out, nil
}
