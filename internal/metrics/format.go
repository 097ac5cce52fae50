package metrics

import "fmt"

// Report renderings used by the exporters.
const (
	FullLossText       = "N/A (손실)"
	CalcErrorText      = "계산 오류"
	AlphaText          = "알파(α)"
	BetaText           = "베타(β)"
	UnclassifiableText = "분석 불가"
)

// FormatYears renders a duration like "8.8년".
func FormatYears(m Metric) string {
	if !m.Valid() {
		return "N/A"
	}
	return fmt.Sprintf("%.1f년", m.Value)
}

// FormatPct renders a percentage like "4.33%".
func FormatPct(m Metric) string {
	switch m.Status {
	case Available:
		return fmt.Sprintf("%.2f%%", m.Value)
	case FullLoss:
		return FullLossText
	case CalcError:
		return CalcErrorText
	default:
		return "N/A"
	}
}

// Label renders the classification for the report.
func (c Classification) Label() string {
	switch c {
	case Alpha:
		return AlphaText
	case Beta:
		return BetaText
	default:
		return UnclassifiableText
	}
}
