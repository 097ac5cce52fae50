package types

// Raw field names written by the collector and the symbol details panel.
const (
	FieldProfitPct     = "profit_pct"
	FieldBuyHoldReturn = "buy_hold_return"
	FieldNetProfit     = "net_profit"
	FieldWinRatePct    = "win_rate_pct"
	FieldMaxLossTrade  = "max_loss_trade"
	FieldProfitFactor  = "profit_factor"
	FieldSharpeRatio   = "sharpe_ratio"
	FieldSortinoRatio  = "sortino_ratio"
	FieldTrade1Entry   = "trade_1_entry"
	FieldFullName      = "full_name"
	FieldExchange      = "exchange"
	// FieldReturnPrefix prefixes per-period return fields, e.g. return_1Y.
	FieldReturnPrefix = "return_"
)

// ValueKind tells a real reading apart from the two sentinels.
type ValueKind int

const (
	KindText ValueKind = iota
	KindScrapeFail
	KindNotAvailable
)

// Sentinel renderings.
const (
	ScrapeFailText   = "Scrape Fail"
	NotAvailableText = "N/A"
)

// Value is one extracted field.
type Value struct {
	Text string    `json:"text"`
	Kind ValueKind `json:"kind"`
}

// Text wraps a reading taken from the page.
func Text(s string) Value { return Value{Text: s, Kind: KindText} }

// ScrapeFail marks a field whose element never became readable.
func ScrapeFail() Value { return Value{Text: ScrapeFailText, Kind: KindScrapeFail} }

// NotAvailable marks a field that was never attempted.
func NotAvailable() Value { return Value{Text: NotAvailableText, Kind: KindNotAvailable} }

// OK reports whether v holds a page reading.
func (v Value) OK() bool { return v.Kind == KindText }

func (v Value) String() string {
	switch v.Kind {
	case KindScrapeFail:
		return ScrapeFailText
	case KindNotAvailable:
		return NotAvailableText
	default:
		return v.Text
	}
}

// RawRecord is the per-symbol result of one collection pass.
type RawRecord struct {
	Symbol string           `json:"symbol"`
	Fields map[string]Value `json:"fields"`
}

// NewRawRecord returns an empty record for symbol.
func NewRawRecord(symbol string) RawRecord {
	return RawRecord{Symbol: symbol, Fields: make(map[string]Value)}
}

// Get returns the named field, NotAvailable when absent.
func (r RawRecord) Get(name string) Value {
	if v, ok := r.Fields[name]; ok {
		return v
	}
	return NotAvailable()
}

// Clone returns a deep copy.
func (r RawRecord) Clone() RawRecord {
	out := RawRecord{Symbol: r.Symbol, Fields: make(map[string]Value, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}
