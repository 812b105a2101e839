package reports

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type LookupsConfig struct {
	StateNames        map[string]string `yaml:"state_names"`
	TechnologyClasses []TechnologyClass `yaml:"technology_classes"`
	ZipPrefixes       []ZipPrefixRange  `yaml:"zip_prefixes"`
}

// InputConfig is one import source bound to a tenant.
type InputConfig struct {
	TenantID uint   `yaml:"tenant_id"`
	Domain   string `yaml:"domain"`
	Glob     string `yaml:"glob"`
	ErrorDir string `yaml:"error_dir"`
}

// InputsConfig accepts either:
//  1. mapping form (preferred):
//     inputs:
//     12: /data/site-12/*.json
//     13: {glob: /data/site-13/**/*.json, error_dir: /data/rejected, domain: example.com}
//  2. list form:
//     inputs:
//     - tenant_id: 12
//     glob: /data/site-12/*.json
type InputsConfig struct {
	Items []InputConfig
}

func (f *InputsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			tenant, err := strconv.ParseUint(strings.TrimSpace(k.Value), 10, 64)
			if err != nil || tenant == 0 {
				return fmt.Errorf("inputs: line %d: tenant key %q is not a positive integer", k.Line, k.Value)
			}

			switch v.Kind {
			case yaml.ScalarNode:
				glob := strings.TrimSpace(v.Value)
				if glob == "" {
					continue
				}
				items = append(items, InputConfig{TenantID: uint(tenant), Glob: glob})
			case yaml.MappingNode:
				var tmp struct {
					Glob     string `yaml:"glob"`
					ErrorDir string `yaml:"error_dir"`
					Domain   string `yaml:"domain"`
				}
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				if strings.TrimSpace(tmp.Glob) == "" {
					continue
				}
				items = append(items, InputConfig{
					TenantID: uint(tenant),
					Glob:     strings.TrimSpace(tmp.Glob),
					ErrorDir: strings.TrimSpace(tmp.ErrorDir),
					Domain:   strings.TrimSpace(tmp.Domain),
				})
			default:
				continue
			}
		}
		f.Items = items
		return nil
	case yaml.SequenceNode:
		var items []InputConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		f.Items = items
		return nil
	default:
		return nil
	}
}

type FileConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Debug    bool           `yaml:"debug"`

	// Workers bounds concurrent report processing.
	Workers  int           `yaml:"workers"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	SeedStates bool          `yaml:"seed_states"`
	Lookups    LookupsConfig `yaml:"lookups"`

	Inputs InputsConfig `yaml:"inputs"`
	// When true, imported files are deleted once the report has been stored.
	DeleteAfterImport *bool `yaml:"delete_after_import"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
