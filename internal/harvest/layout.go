package harvest

import (
	"fmt"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// TabID names a strategy-tester tab.
type TabID string

const (
	TabOverview      TabID = "overview"
	TabPerformance   TabID = "performance"
	TabTradeAnalysis TabID = "trade_analysis"
	TabRiskRatios    TabID = "risk_ratios"
	TabTradeList     TabID = "trade_list"
)

// groupOrder is the order in which tab groups are visited after Overview.
var groupOrder = []TabID{TabPerformance, TabTradeAnalysis, TabRiskRatios, TabTradeList}

// AllTabs lists every known tab.
func AllTabs() []TabID {
	return append([]TabID{TabOverview}, groupOrder...)
}

// FieldSpec binds a field name to its locator. Tab is empty for fields
// that live outside the strategy tester. Instant fields are read once,
// without waiting, after the details container is present.
type FieldSpec struct {
	Name    string        `json:"name" yaml:"name"`
	Locator types.Locator `json:"locator" yaml:"locator"`
	Tab     TabID         `json:"tab,omitempty" yaml:"tab,omitempty"`
	Instant bool          `json:"instant,omitempty" yaml:"instant,omitempty"`
}

// Layout is the complete set of locators one run works with.
type Layout struct {
	Symbol         types.Locator
	Profit         types.Locator
	WatchlistTitle types.Locator
	Tabs           map[TabID]types.Locator
	Fields         []FieldSpec
	Aux            []FieldSpec

	// Details is the container the instant Aux fields live in.
	Details types.Locator
}

// FieldsFor returns the tab-bound fields of tab in declaration order.
func (l Layout) FieldsFor(tab TabID) []FieldSpec {
	var out []FieldSpec
	for _, f := range l.Fields {
		if f.Tab == tab {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks that every locator resolves to something usable.
func (l Layout) Validate() error {
	if err := l.Symbol.Validate(); err != nil {
		return fmt.Errorf("symbol locator: %w", err)
	}
	if err := l.Profit.Validate(); err != nil {
		return fmt.Errorf("profit locator: %w", err)
	}
	if l.Details.Value != "" {
		if err := l.Details.Validate(); err != nil {
			return fmt.Errorf("details locator: %w", err)
		}
	}
	if _, ok := l.Tabs[TabOverview]; !ok {
		return fmt.Errorf("overview tab: %w", ErrUnknownTab)
	}
	seen := map[string]bool{types.FieldProfitPct: true}
	for _, group := range [][]FieldSpec{l.Fields, l.Aux} {
		for _, f := range group {
			if f.Name == "" {
				return fmt.Errorf("field without name")
			}
			if seen[f.Name] {
				return fmt.Errorf("field %q: %w", f.Name, ErrDuplicateField)
			}
			seen[f.Name] = true
			if err := f.Locator.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
			if f.Tab != "" {
				if _, ok := l.Tabs[f.Tab]; !ok {
					return fmt.Errorf("field %q tab %q: %w", f.Name, f.Tab, ErrUnknownTab)
				}
			}
		}
	}
	for tab, loc := range l.Tabs {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("tab %q: %w", tab, err)
		}
	}
	return nil
}
