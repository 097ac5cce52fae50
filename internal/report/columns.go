// Package report flattens derived records into rows and writes them out as
// spreadsheet, parquet and JSON files.
package report

import (
	"github.com/dgnsrekt/tv_harvester/internal/locators"
	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Column names that only exist after derivation.
const (
	ColSymbol          = "symbol"
	ColAlphaBeta       = "alpha_beta_status"
	ColDurationYears   = "trading_duration_years"
	ColSimpleAvgReturn = "simple_avg_return_pct"
	ColCAGR            = "cagr_pct"
	returnColumnSuffix = "(%)"
)

var strategyColumns = []string{
	ColAlphaBeta, types.FieldProfitPct, types.FieldTrade1Entry, ColDurationYears,
	ColSimpleAvgReturn, types.FieldWinRatePct, types.FieldMaxLossTrade, types.FieldProfitFactor,
	types.FieldSharpeRatio, types.FieldSortinoRatio, ColCAGR, types.FieldBuyHoldReturn,
	types.FieldNetProfit,
}

var headers = map[string]string{
	ColSymbol:                "종목코드",
	types.FieldFullName:      "종목명(Full)",
	types.FieldExchange:      "거래소",
	ColAlphaBeta:             "수익기준(Alpha/Beta)",
	types.FieldProfitPct:     "총손익률(%)",
	types.FieldTrade1Entry:   "1번거래진입시점",
	ColDurationYears:         "총거래기간(년)",
	ColSimpleAvgReturn:       "연평균단순수익률(%)",
	ColCAGR:                  "연복리수익률(CAGR,%)",
	types.FieldWinRatePct:    "승률(%)",
	types.FieldMaxLossTrade:  "최대손실거래(%)",
	types.FieldProfitFactor:  "수익지수",
	types.FieldSharpeRatio:   "샤프레이쇼",
	types.FieldSortinoRatio:  "소티노레이쇼",
	types.FieldBuyHoldReturn: "매수후보유수익(참고)",
	types.FieldNetProfit:     "순이익(참고)",
}

func init() {
	for _, p := range locators.AllPeriods {
		headers[types.FieldReturnPrefix+p] = p + returnColumnSuffix
	}
}

// ColumnOrder is the full export column order.
func ColumnOrder() []string {
	cols := []string{ColSymbol, types.FieldFullName, types.FieldExchange}
	for _, p := range locators.AllPeriods {
		cols = append(cols, types.FieldReturnPrefix+p)
	}
	return append(cols, strategyColumns...)
}

// Header returns the display header for col, or col itself when unmapped.
func Header(col string) string {
	if h, ok := headers[col]; ok {
		return h
	}
	return col
}

// Row is one flattened record keyed by column name.
type Row map[string]string

// Flatten renders every raw field and derived metric of d as text.
func Flatten(d metrics.DerivedRecord) Row {
	row := Row{ColSymbol: d.Raw.Symbol}
	for name, v := range d.Raw.Fields {
		row[name] = v.String()
	}
	row[ColAlphaBeta] = d.AlphaBeta.Label()
	row[ColDurationYears] = metrics.FormatYears(d.DurationYears)
	row[ColSimpleAvgReturn] = metrics.FormatPct(d.SimpleAnnualReturnPct)
	row[ColCAGR] = metrics.FormatPct(d.CAGRPct)
	return row
}

// Table is an ordered set of rows with the columns that appear in them.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Build flattens records and keeps only the known columns present in at
// least one row, in export order.
func Build(records []metrics.DerivedRecord) Table {
	t := Table{Rows: make([]Row, 0, len(records))}
	present := map[string]bool{}
	for _, d := range records {
		row := Flatten(d)
		for k := range row {
			present[k] = true
		}
		t.Rows = append(t.Rows, row)
	}
	for _, col := range ColumnOrder() {
		if present[col] {
			t.Columns = append(t.Columns, col)
		}
	}
	return t
}

// Headers returns the display headers of t's columns.
func (t Table) Headers() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = Header(c)
	}
	return out
}

// Records returns the rows restricted to t's columns, keyed by header.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		m := make(map[string]string, len(t.Columns))
		for _, c := range t.Columns {
			if v, ok := r[c]; ok {
				m[Header(c)] = v
			}
		}
		out = append(out, m)
	}
	return out
}
