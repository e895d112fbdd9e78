// Package catalog holds the set of assets users may select for monitoring.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pscheid92/signalhub/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_assets.toml
var defaultAssets string

type file struct {
	Assets []domain.Asset `toml:"asset" yaml:"assets"`
}

// Catalog is an immutable, ordered list of selectable assets.
type Catalog struct {
	assets []domain.Asset
	byID   map[domain.AssetID]domain.Asset
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultAssets)
	if err != nil {
		panic(fmt.Sprintf("embedded asset catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file. Files ending in .yaml or .yml are YAML with a
// top-level assets list; anything else is TOML. An empty path yields the
// built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read asset catalog %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode asset catalog %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("decode asset catalog %s: %w", path, err)
		}
	}
	return build(f.Assets)
}

// Parse decodes a catalog from TOML text.
func Parse(data string) (*Catalog, error) {
	var f file
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode asset catalog: %w", err)
	}
	return build(f.Assets)
}

func build(assets []domain.Asset) (*Catalog, error) {
	if len(assets) == 0 {
		return nil, errors.New("asset catalog is empty")
	}

	c := &Catalog{
		assets: make([]domain.Asset, 0, len(assets)),
		byID:   make(map[domain.AssetID]domain.Asset, len(assets)),
	}
	for _, a := range assets {
		a.ID = domain.AssetID(strings.ToLower(strings.TrimSpace(string(a.ID))))
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		if a.ID == "" {
			return nil, errors.New("asset catalog entry without id")
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate asset %q in catalog", a.ID)
		}
		if a.Name == "" {
			a.Name = string(a.ID)
		}
		c.assets = append(c.assets, a)
		c.byID[a.ID] = a
	}
	return c, nil
}

func (c *Catalog) Has(id domain.AssetID) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *Catalog) Get(id domain.AssetID) (domain.Asset, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// All returns the assets in catalog order. The slice is a copy.
func (c *Catalog) All() []domain.Asset {
	out := make([]domain.Asset, len(c.assets))
	copy(out, c.assets)
	return out
}

func (c *Catalog) Len() int { return len(c.assets) }
