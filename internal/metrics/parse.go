package metrics

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

var (
	percentPattern  = regexp.MustCompile(`[+\-\x{2212}]?[\d,]+\.?\d*%`)
	koreanDate      = regexp.MustCompile(`^(\d{4})년(\d{1,2})월(\d{1,2})일`)
	englishDateFmts = []string{"Jan 2, 2006", "January 2, 2006", "2 Jan 2006"}
)

// ParsePercent reads the first signed percentage token in s.
// Sentinel texts never parse.
func ParsePercent(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch s {
	case "", types.NotAvailableText, types.ScrapeFailText, "—":
		return 0, false
	}
	tok := percentPattern.FindString(s)
	if tok == "" {
		return 0, false
	}
	tok = strings.ReplaceAll(tok, "−", "-")
	tok = strings.ReplaceAll(tok, ",", "")
	tok = strings.TrimSuffix(tok, "%")
	tok = strings.TrimPrefix(tok, "+")
	if tok == "" || tok == "-" {
		return 0, false
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseEntryDate reads a trade entry date such as "2015년 3월 10일".
// ISO and English month-name forms are accepted too.
func ParseEntryDate(s string) (time.Time, bool) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if compact == "" {
		return time.Time{}, false
	}
	if m := koreanDate.FindStringSubmatch(compact); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return civilDate(y, mo, d)
	}
	if t, err := time.Parse("2006-01-02", compact); err == nil {
		return t, true
	}
	trimmed := strings.TrimSpace(s)
	for _, layout := range englishDateFmts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func civilDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
