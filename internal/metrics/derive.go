// Package metrics turns raw strategy-tester readings into derived figures.
package metrics

import (
	"math"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// DaysPerYear is the year length used for annualization.
const DaysPerYear = 365.25

// Status qualifies a derived Metric.
type Status int

const (
	NotAvailable Status = iota
	Available
	// FullLoss marks a CAGR whose ending ratio is not positive.
	FullLoss
	// CalcError marks a result that overflowed or is not a number.
	CalcError
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case FullLoss:
		return "full_loss"
	case CalcError:
		return "calc_error"
	default:
		return "not_available"
	}
}

// Metric is a derived number with an explicit availability status.
type Metric struct {
	Value  float64 `json:"value"`
	Status Status  `json:"status"`
}

// Valid reports whether Value carries a number.
func (m Metric) Valid() bool { return m.Status == Available }

// available wraps v, or reports CalcError when v is infinite or NaN.
func available(v float64) Metric {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Metric{Status: CalcError}
	}
	return Metric{Value: v, Status: Available}
}

// Classification labels net profit against buy-and-hold.
type Classification string

const (
	Unclassifiable Classification = "unclassifiable"
	Alpha          Classification = "alpha"
	Beta           Classification = "beta"
)

// DerivedRecord is a RawRecord enriched with derived metrics.
type DerivedRecord struct {
	Raw                   types.RawRecord `json:"raw"`
	DurationYears         Metric          `json:"duration_years"`
	SimpleAnnualReturnPct Metric          `json:"simple_annual_return_pct"`
	CAGRPct               Metric          `json:"cagr_pct"`
	AlphaBeta             Classification  `json:"alpha_beta"`
}

// Derive computes duration, simple annual return, CAGR and the alpha/beta
// classification. A quantity that cannot be computed keeps its default and
// never prevents the others.
func Derive(raw types.RawRecord, referenceDate time.Time) DerivedRecord {
	out := DerivedRecord{Raw: raw.Clone(), AlphaBeta: Unclassifiable}

	if entry, ok := ParseEntryDate(raw.Get(types.FieldTrade1Entry).Text); ok {
		out.DurationYears = available(math.Max(durationYears(entry, referenceDate), 0))
	}

	if profit, ok := ParsePercent(raw.Get(types.FieldProfitPct).Text); ok && out.DurationYears.Valid() && out.DurationYears.Value > 0 {
		years := out.DurationYears.Value
		out.SimpleAnnualReturnPct = available(profit / years)
		ending := 1 + profit/100
		if ending <= 0 {
			out.CAGRPct = Metric{Status: FullLoss}
		} else {
			out.CAGRPct = available((math.Pow(ending, 1/years) - 1) * 100)
		}
	}

	net, netOK := ParsePercent(raw.Get(types.FieldNetProfit).Text)
	hold, holdOK := ParsePercent(raw.Get(types.FieldBuyHoldReturn).Text)
	if netOK && holdOK {
		if net > hold {
			out.AlphaBeta = Alpha
		} else {
			out.AlphaBeta = Beta
		}
	}
	return out
}

func durationYears(entry, reference time.Time) float64 {
	ref := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, time.UTC)
	start := time.Date(entry.Year(), entry.Month(), entry.Day(), 0, 0, 0, 0, time.UTC)
	days := math.Floor(ref.Sub(start).Hours() / 24)
	return days / DaysPerYear
}
