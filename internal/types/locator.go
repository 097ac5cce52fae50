package types

import (
	"fmt"
	"strings"
)

// Locator strategies understood by the page-side resolver.
const (
	StrategyXPath = "xpath"
	StrategyCSS   = "css"
)

// Locator identifies a UI element on the chart page.
type Locator struct {
	Strategy string `json:"strategy" yaml:"strategy"`
	Value    string `json:"value" yaml:"value"`
}

// XPath returns an xpath locator.
func XPath(expr string) Locator {
	return Locator{Strategy: StrategyXPath, Value: expr}
}

// CSS returns a css selector locator.
func CSS(selector string) Locator {
	return Locator{Strategy: StrategyCSS, Value: selector}
}

// Normalize fills the default strategy and trims the expression.
func (l Locator) Normalize() Locator {
	l.Strategy = strings.ToLower(strings.TrimSpace(l.Strategy))
	if l.Strategy == "" {
		l.Strategy = StrategyXPath
	}
	l.Value = strings.TrimSpace(l.Value)
	return l
}

// Validate reports whether the locator can be resolved at all.
func (l Locator) Validate() error {
	n := l.Normalize()
	if n.Value == "" {
		return fmt.Errorf("locator value is required")
	}
	switch n.Strategy {
	case StrategyXPath, StrategyCSS:
		return nil
	default:
		return fmt.Errorf("unsupported locator strategy %q", l.Strategy)
	}
}

func (l Locator) String() string {
	n := l.Normalize()
	return n.Strategy + "=" + n.Value
}

// Element is a handle to a located element. Drivers resolve the locator
// again on every access, so a handle never pins a DOM node.
type Element struct {
	Locator Locator
}
