package harvest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

type fakeSymbol struct {
	name   string
	profit string // empty means the strategy tester keeps showing the previous figure
	fields map[string]string
	// noDetails hides the details performance container.
	noDetails bool
}

// fakeUI simulates the chart page: one selected watchlist item, one active
// strategy-tester tab and fields that only render on their own tab.
type fakeUI struct {
	mu          sync.Mutex
	symbols     []fakeSymbol
	cur         int
	shownProfit string
	activeTab   TabID
	blocked     map[TabID]bool
	fieldTab    map[string]TabID
	dead        bool
	advances    int
	clicks      []TabID
	onAdvance   func(n int)
}

func newFakeUI(layout Layout, symbols ...fakeSymbol) *fakeUI {
	f := &fakeUI{
		symbols:   symbols,
		activeTab: TabOverview,
		blocked:   map[TabID]bool{},
		fieldTab:  map[string]TabID{},
	}
	for _, spec := range layout.Fields {
		f.fieldTab[spec.Locator.Value] = spec.Tab
	}
	if len(symbols) > 0 {
		f.shownProfit = symbols[0].profit
	}
	return f
}

func (f *fakeUI) resolve(loc types.Locator) (string, error) {
	if f.dead {
		return "", types.ErrSessionUnusable
	}
	sym := f.symbols[f.cur]
	v := loc.Value
	switch {
	case v == "#symbol":
		return sym.name, nil
	case v == "#profit":
		if f.shownProfit == "" {
			return "", types.ErrNotFound
		}
		return f.shownProfit, nil
	case v == "#details":
		if sym.noDetails {
			return "", types.ErrNotFound
		}
		return "", nil
	case strings.HasPrefix(v, "tab:"):
		return strings.TrimPrefix(v, "tab:"), nil
	case strings.HasPrefix(v, "field:"):
		if f.activeTab != f.fieldTab[v] {
			return "", types.ErrNotFound
		}
		text, ok := sym.fields[strings.TrimPrefix(v, "field:")]
		if !ok {
			return "", types.ErrNotFound
		}
		return text, nil
	case strings.HasPrefix(v, "aux:"):
		text, ok := sym.fields[strings.TrimPrefix(v, "aux:")]
		if !ok {
			return "", types.ErrNotFound
		}
		return text, nil
	}
	return "", types.ErrNotFound
}

func (f *fakeUI) Locate(_ context.Context, loc types.Locator) (types.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.resolve(loc); err != nil {
		return types.Element{}, err
	}
	return types.Element{Locator: loc}, nil
}

func (f *fakeUI) ReadText(_ context.Context, el types.Element) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolve(el.Locator)
}

func (f *fakeUI) Click(_ context.Context, el types.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return types.ErrSessionUnusable
	}
	if tab, ok := strings.CutPrefix(el.Locator.Value, "tab:"); ok {
		f.activeTab = TabID(tab)
		f.clicks = append(f.clicks, TabID(tab))
	}
	return nil
}

func (f *fakeUI) IsInteractable(_ context.Context, el types.Element) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return false, types.ErrSessionUnusable
	}
	tab := TabID(strings.TrimPrefix(el.Locator.Value, "tab:"))
	return !f.blocked[tab], nil
}

func (f *fakeUI) SessionAlive(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeUI) AdvanceToNextItem(context.Context) error {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return types.ErrSessionUnusable
	}
	f.advances++
	if f.cur < len(f.symbols)-1 {
		f.cur++
		if p := f.symbols[f.cur].profit; p != "" {
			f.shownProfit = p
		}
	}
	n, hook := f.advances, f.onAdvance
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeUI) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *fakeUI) advanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

func (f *fakeUI) currentTab() TabID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeTab
}

func testLayout() Layout {
	tabs := map[TabID]types.Locator{}
	for _, t := range AllTabs() {
		tabs[t] = types.CSS("tab:" + string(t))
	}
	field := func(name string, tab TabID) FieldSpec {
		return FieldSpec{Name: name, Locator: types.CSS("field:" + name), Tab: tab}
	}
	return Layout{
		Symbol: types.CSS("#symbol"),
		Profit: types.CSS("#profit"),
		Tabs:   tabs,
		Fields: []FieldSpec{
			field(types.FieldBuyHoldReturn, TabPerformance),
			field(types.FieldNetProfit, TabPerformance),
			field(types.FieldWinRatePct, TabTradeAnalysis),
			field(types.FieldMaxLossTrade, TabTradeAnalysis),
			field(types.FieldProfitFactor, TabRiskRatios),
			field(types.FieldSharpeRatio, TabRiskRatios),
			field(types.FieldSortinoRatio, TabRiskRatios),
			field(types.FieldTrade1Entry, TabTradeList),
		},
		Aux: []FieldSpec{
			{Name: types.FieldFullName, Locator: types.CSS("aux:" + types.FieldFullName)},
		},
	}
}

func fullSymbol(name, profit string) fakeSymbol {
	return fakeSymbol{
		name:   name,
		profit: profit,
		fields: map[string]string{
			types.FieldBuyHoldReturn: "+30.00%",
			types.FieldNetProfit:     profit,
			types.FieldWinRatePct:    "55.5%",
			types.FieldMaxLossTrade:  "−4.2%",
			types.FieldProfitFactor:  "1.8",
			types.FieldSharpeRatio:   "0.9",
			types.FieldSortinoRatio:  "1.4",
			types.FieldTrade1Entry:   "2015년 3월 10일",
			types.FieldFullName:      name + " Inc.",
		},
	}
}

func fastPoller() Poller {
	return Poller{Interval: 2 * time.Millisecond}
}

func fastOptions() Options {
	return Options{
		ElementTimeout:     60 * time.Millisecond,
		PollInterval:       2 * time.Millisecond,
		PauseCheckInterval: 2 * time.Millisecond,
		AdvanceSettle:      -1,
	}
}
