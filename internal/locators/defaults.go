// Package locators holds the TradingView (Korean UI) element locators and
// builds the harvest layout from them, optionally overridden by a YAML file.
package locators

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

const (
	ProfitPctXPath      = "//div[starts-with(@class, 'reportContainerOld-')]//div[starts-with(@class, 'change-') and contains(text(), '%')]"
	SymbolNameXPath     = "//button[@id='header-toolbar-symbol-search']//div[contains(@class, 'js-button-text')]"
	WatchlistTitleXPath = "//div[contains(@class, 'widgetbar-widget-watchlist')]//span[contains(@class, 'titleRow-')]"

	OverviewTabXPath      = "//button[@data-overflow-tooltip-text='오버뷰']"
	PerformanceTabXPath   = "//button[@data-overflow-tooltip-text='성과']"
	TradeAnalysisTabXPath = "//button[@data-overflow-tooltip-text='거래 분석']"
	RiskRatiosTabXPath    = "//button[@data-overflow-tooltip-text='위험/성과 비율']"
	TradeListTabXPath     = "//button[@data-overflow-tooltip-text='거래목록']"

	NetProfitXPath     = "//tr[.//div[contains(text(), '순이익')]]//div[starts-with(@class, 'percentValue-')]"
	BuyHoldReturnXPath = "//tr[.//div[contains(text(), '매수 후 보유 수익')]]//div[starts-with(@class, 'percentValue-')]"
	WinRateXPath       = "//tr[.//div[contains(text(), '승률')]]//div[starts-with(@class, 'value-') and contains(text(), '%')]"
	MaxLossTradeXPath  = "//tr[.//div[contains(text(), '최대 손실 거래')]]//div[starts-with(@class, 'value-') and contains(text(), '%')]"
	ProfitFactorXPath  = "//tr[.//div[contains(text(), '수익지수')]]//div[starts-with(@class, 'value-') and not(contains(text(), '%'))]"
	SharpeRatioXPath   = "//tr[.//div[contains(text(), '샤프 레이쇼')]]//div[starts-with(@class, 'value-') and not(contains(text(), '%'))]"
	SortinoRatioXPath  = "//tr[.//div[contains(text(), '소티노 레이쇼')]]//div[starts-with(@class, 'value-') and not(contains(text(), '%'))]"
	Trade1EntryXPath   = "//tr[@data='1']/td[4]//div[@data-part='1']"

	DetailsFullNameXPath = "//a[@data-qa-id='details-element description']"
	DetailsExchangeXPath = "//span[@data-qa-id='details-element exchange']"

	DetailsPerfContainerXPath = "//div[@data-qa-id='details-element performance']"

	detailsPeriodXPathFmt = "//div[@data-qa-id='details-element performance']//span[text()='%s']/preceding-sibling::span"
)

// AssetMode selects which period returns the details panel is scanned for.
type AssetMode string

const (
	ModeStocks AssetMode = "stocks"
	ModeETP    AssetMode = "etp"
)

// AllPeriods is every period any mode can produce, in column order.
var AllPeriods = []string{"1W", "1M", "3M", "6M", "YTD", "1Y", "3Y", "5Y"}

var modePeriods = map[AssetMode][]string{
	ModeStocks: {"1W", "1M", "3M", "6M", "YTD", "1Y"},
	ModeETP:    {"1M", "3M", "YTD", "1Y", "3Y", "5Y"},
}

// ParseAssetMode accepts "stocks", "etp" and the menu shortcuts "1"/"2".
// An empty string selects stocks.
func ParseAssetMode(s string) (AssetMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1", "stocks", "stock":
		return ModeStocks, nil
	case "2", "etp", "etf", "etn":
		return ModeETP, nil
	default:
		return "", fmt.Errorf("unknown asset mode %q", s)
	}
}

// Periods returns the period labels scanned for mode.
func (m AssetMode) Periods() []string {
	return append([]string(nil), modePeriods[m]...)
}

// PeriodXPath locates the return figure next to a period label.
func PeriodXPath(period string) string {
	return fmt.Sprintf(detailsPeriodXPathFmt, period)
}

// AuxFields returns the details-panel fields read once per symbol for mode.
func AuxFields(mode AssetMode) []harvest.FieldSpec {
	out := []harvest.FieldSpec{
		{Name: types.FieldFullName, Locator: types.XPath(DetailsFullNameXPath)},
		{Name: types.FieldExchange, Locator: types.XPath(DetailsExchangeXPath)},
	}
	for _, p := range mode.Periods() {
		out = append(out, harvest.FieldSpec{
			Name:    types.FieldReturnPrefix + p,
			Locator: types.XPath(PeriodXPath(p)),
			Instant: true,
		})
	}
	return out
}

// Default returns the built-in layout for mode.
func Default(mode AssetMode) harvest.Layout {
	return harvest.Layout{
		Symbol:         types.XPath(SymbolNameXPath),
		Profit:         types.XPath(ProfitPctXPath),
		WatchlistTitle: types.XPath(WatchlistTitleXPath),
		Tabs: map[harvest.TabID]types.Locator{
			harvest.TabOverview:      types.XPath(OverviewTabXPath),
			harvest.TabPerformance:   types.XPath(PerformanceTabXPath),
			harvest.TabTradeAnalysis: types.XPath(TradeAnalysisTabXPath),
			harvest.TabRiskRatios:    types.XPath(RiskRatiosTabXPath),
			harvest.TabTradeList:     types.XPath(TradeListTabXPath),
		},
		Fields: []harvest.FieldSpec{
			{Name: types.FieldBuyHoldReturn, Locator: types.XPath(BuyHoldReturnXPath), Tab: harvest.TabPerformance},
			{Name: types.FieldNetProfit, Locator: types.XPath(NetProfitXPath), Tab: harvest.TabPerformance},
			{Name: types.FieldWinRatePct, Locator: types.XPath(WinRateXPath), Tab: harvest.TabTradeAnalysis},
			{Name: types.FieldMaxLossTrade, Locator: types.XPath(MaxLossTradeXPath), Tab: harvest.TabTradeAnalysis},
			{Name: types.FieldProfitFactor, Locator: types.XPath(ProfitFactorXPath), Tab: harvest.TabRiskRatios},
			{Name: types.FieldSharpeRatio, Locator: types.XPath(SharpeRatioXPath), Tab: harvest.TabRiskRatios},
			{Name: types.FieldSortinoRatio, Locator: types.XPath(SortinoRatioXPath), Tab: harvest.TabRiskRatios},
			{Name: types.FieldTrade1Entry, Locator: types.XPath(Trade1EntryXPath), Tab: harvest.TabTradeList},
		},
		Aux:     AuxFields(mode),
		Details: types.XPath(DetailsPerfContainerXPath),
	}
}
