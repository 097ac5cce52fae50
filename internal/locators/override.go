package locators

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// File is the YAML override document. Every entry is optional; names not
// present keep their built-in locator.
//
//	symbol: {strategy: xpath, value: "//button[@id='x']"}
//	tabs:
//	  performance: {value: "//button[@data-tab='perf']"}
//	fields:
//	  net_profit: {strategy: css, value: "tr.net .percent"}
type File struct {
	Symbol         *types.Locator                  `yaml:"symbol"`
	Profit         *types.Locator                  `yaml:"profit"`
	WatchlistTitle *types.Locator                  `yaml:"watchlist_title"`
	Details        *types.Locator                  `yaml:"details"`
	Tabs           map[harvest.TabID]types.Locator `yaml:"tabs"`
	Fields         map[string]types.Locator        `yaml:"fields"`
}

// Load builds the layout for mode, applying the override file at path when
// path is non-empty.
func Load(path string, mode AssetMode) (harvest.Layout, error) {
	layout := Default(mode)
	if path == "" {
		return layout, layout.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return harvest.Layout{}, fmt.Errorf("read locator file: %w", err)
	}
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return harvest.Layout{}, fmt.Errorf("locator file %s: %w", path, err)
	}
	if err := f.Apply(&layout); err != nil {
		return harvest.Layout{}, fmt.Errorf("locator file %s: %w", path, err)
	}
	return layout, layout.Validate()
}

// Decode parses an override document, rejecting unknown keys.
func Decode(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	return f, nil
}

// Apply overwrites the matching locators of layout.
func (f File) Apply(layout *harvest.Layout) error {
	set := func(dst *types.Locator, src *types.Locator) {
		if src != nil {
			*dst = src.Normalize()
		}
	}
	set(&layout.Symbol, f.Symbol)
	set(&layout.Profit, f.Profit)
	set(&layout.WatchlistTitle, f.WatchlistTitle)
	set(&layout.Details, f.Details)

	for tab, loc := range f.Tabs {
		if _, ok := layout.Tabs[tab]; !ok {
			return fmt.Errorf("tab %q: %w", tab, harvest.ErrUnknownTab)
		}
		layout.Tabs[tab] = loc.Normalize()
	}

	for name, loc := range f.Fields {
		if name == types.FieldProfitPct {
			layout.Profit = loc.Normalize()
			continue
		}
		if !replaceField(layout.Fields, name, loc) && !replaceField(layout.Aux, name, loc) {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

func replaceField(specs []harvest.FieldSpec, name string, loc types.Locator) bool {
	for i := range specs {
		if specs[i].Name == name {
			specs[i].Locator = loc.Normalize()
			return true
		}
	}
	return false
}
