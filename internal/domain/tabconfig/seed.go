package tabconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk layout of the system default tab set.
type SeedFile struct {
	Version int       `yaml:"version"`
	Tabs    []SeedTab `yaml:"tabs"`
}

type SeedTab struct {
	Key          string                 `yaml:"key"`
	Label        string                 `yaml:"label"`
	Icon         string                 `yaml:"icon"`
	ContentType  string                 `yaml:"content_type"`
	DisplayOrder int                    `yaml:"display_order"`
	Mandatory    bool                   `yaml:"mandatory"`
	Hidden       bool                   `yaml:"hidden"`
	Settings     map[string]interface{} `yaml:"settings"`
}

// ParseSeed decodes a seed document into validated system default rows.
func ParseSeed(r io.Reader) ([]*TabDefinition, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported seed version %d", f.Version)
	}

	seen := make(map[string]bool, len(f.Tabs))
	tabs := make([]*TabDefinition, 0, len(f.Tabs))
	visible := 0
	for i, st := range f.Tabs {
		if seen[st.Key] {
			return nil, fmt.Errorf("seed tab %d: duplicate key %q", i, st.Key)
		}
		seen[st.Key] = true

		tab := &TabDefinition{
			Key:             st.Key,
			Label:           st.Label,
			ContentType:     st.ContentType,
			Scope:           ScopeSystem,
			IsSystemDefault: true,
			IsMandatory:     st.Mandatory,
			IsVisible:       !st.Hidden,
			DisplayOrder:    st.DisplayOrder,
		}
		if st.Icon != "" {
			icon := st.Icon
			tab.Icon = &icon
		}
		if len(st.Settings) > 0 {
			raw, err := json.Marshal(st.Settings)
			if err != nil {
				return nil, fmt.Errorf("seed tab %q: settings: %w", st.Key, err)
			}
			tab.Settings = raw
		}
		if st.Mandatory && st.Hidden {
			return nil, fmt.Errorf("seed tab %q: mandatory tabs cannot be hidden", st.Key)
		}
		if err := tab.Validate(); err != nil {
			return nil, fmt.Errorf("seed tab %q: %w", st.Key, err)
		}
		if tab.IsVisible {
			visible++
		}
		tabs = append(tabs, tab)
	}
	if visible == 0 {
		return nil, fmt.Errorf("seed must contain at least one visible tab")
	}
	return tabs, nil
}

// LoadSeed reads the seed from path, or from fallback when path does not
// exist.
func LoadSeed(path string, fallback []byte) ([]*TabDefinition, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && fallback != nil {
		data = fallback
	} else if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(bytes.NewReader(data))
}

// Seed inserts the system defaults that are not yet present. Existing system
// rows are left untouched. Returns how many rows were added.
func Seed(ctx context.Context, repo Repository, tabs []*TabDefinition, logger zerolog.Logger) (int, error) {
	added := 0
	err := repo.WithinTx(ctx, func(ctx context.Context) error {
		for _, tab := range tabs {
			ok, err := repo.InsertSystemDefault(ctx, tab)
			if err != nil {
				return fmt.Errorf("seed %q: %w", tab.Key, err)
			}
			if ok {
				added++
				logger.Debug().Str("tab_key", tab.Key).Msg("system tab seeded")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info().Int("added", added).Int("total", len(tabs)).Msg("system tabs seeded")
	return added, nil
}
