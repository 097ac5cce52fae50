package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// Format is an export file type.
type Format string

const (
	FormatXLSX    Format = "xlsx"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// DefaultOutputBase is used when the watchlist title could not be read.
const DefaultOutputBase = "tradingview_data"

const sheetName = "Sheet1"

// ParseFormats splits a comma separated list such as "xlsx,parquet".
func ParseFormats(s string) ([]Format, error) {
	var out []Format
	seen := map[Format]bool{}
	for _, part := range strings.Split(s, ",") {
		f := Format(strings.ToLower(strings.TrimSpace(part)))
		if f == "" || seen[f] {
			continue
		}
		switch f {
		case FormatXLSX, FormatParquet, FormatJSON:
		default:
			return nil, fmt.Errorf("unknown export format %q", part)
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return []Format{FormatXLSX}, nil
	}
	return out, nil
}

// OutputBase returns "<title>_<YYYY-MM-DD>" with path-unsafe characters
// replaced, or DefaultOutputBase when title is blank.
func OutputBase(title string, date time.Time) string {
	title = sanitizeName(title)
	if title == "" {
		return DefaultOutputBase
	}
	return title + "_" + date.Format("2006-01-02")
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, s)
	return strings.Trim(strings.TrimSpace(s), ".")
}

// Exporter writes a table in each configured format under Dir.
type Exporter struct {
	Dir     string
	Formats []Format
}

// Export writes t as <base>.<format> for every format and returns the paths
// written. A failed spreadsheet write falls back to <base>_backup.json.
func (e Exporter) Export(base string, t Table) ([]string, error) {
	if len(t.Rows) == 0 {
		return nil, nil
	}
	dir := e.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	formats := e.Formats
	if len(formats) == 0 {
		formats = []Format{FormatXLSX}
	}

	var paths []string
	var errs []error
	for _, f := range formats {
		path := filepath.Join(dir, base+"."+string(f))
		err := writeFormat(f, path, t)
		if err == nil {
			slog.Info("report export written", "format", f, "path", path, "rows", len(t.Rows))
			paths = append(paths, path)
			continue
		}
		slog.Error("report export failed", "format", f, "path", path, "error", err)
		if f != FormatXLSX {
			errs = append(errs, err)
			continue
		}
		backup := filepath.Join(dir, base+"_backup.json")
		if berr := WriteJSON(backup, t); berr != nil {
			errs = append(errs, err, fmt.Errorf("json backup: %w", berr))
			continue
		}
		slog.Warn("report export fell back to json backup", "path", backup)
		paths = append(paths, backup)
	}
	return paths, errors.Join(errs...)
}

func writeFormat(f Format, path string, t Table) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(path, t)
	case FormatParquet:
		return WriteParquet(path, t)
	case FormatJSON:
		return WriteJSON(path, t)
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

// WriteXLSX writes t as a single sheet with display headers.
func WriteXLSX(path string, t Table) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			slog.Debug("report xlsx close failed", "error", err)
		}
	}()

	for i, h := range t.Headers() {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	for r, row := range t.Rows {
		for c, col := range t.Columns {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, row[col]); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

// WriteJSON writes the rows keyed by display header.
func WriteJSON(path string, t Table) error {
	data, err := json.MarshalIndent(t.Records(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ParquetRow is the on-disk parquet schema. Columns absent from a run are
// written as empty strings.
type ParquetRow struct {
	Symbol             string `parquet:"symbol"`
	FullName           string `parquet:"full_name"`
	Exchange           string `parquet:"exchange"`
	Return1W           string `parquet:"return_1W"`
	Return1M           string `parquet:"return_1M"`
	Return3M           string `parquet:"return_3M"`
	Return6M           string `parquet:"return_6M"`
	ReturnYTD          string `parquet:"return_YTD"`
	Return1Y           string `parquet:"return_1Y"`
	Return3Y           string `parquet:"return_3Y"`
	Return5Y           string `parquet:"return_5Y"`
	AlphaBetaStatus    string `parquet:"alpha_beta_status"`
	ProfitPct          string `parquet:"profit_pct"`
	Trade1Entry        string `parquet:"trade_1_entry"`
	TradingDuration    string `parquet:"trading_duration_years"`
	SimpleAvgReturnPct string `parquet:"simple_avg_return_pct"`
	WinRatePct         string `parquet:"win_rate_pct"`
	MaxLossTrade       string `parquet:"max_loss_trade"`
	ProfitFactor       string `parquet:"profit_factor"`
	SharpeRatio        string `parquet:"sharpe_ratio"`
	SortinoRatio       string `parquet:"sortino_ratio"`
	CAGRPct            string `parquet:"cagr_pct"`
	BuyHoldReturn      string `parquet:"buy_hold_return"`
	NetProfit          string `parquet:"net_profit"`
}

func toParquetRow(r Row) ParquetRow {
	return ParquetRow{
		Symbol:             r[ColSymbol],
		FullName:           r["full_name"],
		Exchange:           r["exchange"],
		Return1W:           r["return_1W"],
		Return1M:           r["return_1M"],
		Return3M:           r["return_3M"],
		Return6M:           r["return_6M"],
		ReturnYTD:          r["return_YTD"],
		Return1Y:           r["return_1Y"],
		Return3Y:           r["return_3Y"],
		Return5Y:           r["return_5Y"],
		AlphaBetaStatus:    r[ColAlphaBeta],
		ProfitPct:          r["profit_pct"],
		Trade1Entry:        r["trade_1_entry"],
		TradingDuration:    r[ColDurationYears],
		SimpleAvgReturnPct: r[ColSimpleAvgReturn],
		WinRatePct:         r["win_rate_pct"],
		MaxLossTrade:       r["max_loss_trade"],
		ProfitFactor:       r["profit_factor"],
		SharpeRatio:        r["sharpe_ratio"],
		SortinoRatio:       r["sortino_ratio"],
		CAGRPct:            r[ColCAGR],
		BuyHoldReturn:      r["buy_hold_return"],
		NetProfit:          r["net_profit"],
	}
}

// WriteParquet writes every row using the ParquetRow schema.
func WriteParquet(path string, t Table) error {
	rows := make([]ParquetRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, toParquetRow(r))
	}
	return parquet.WriteFile(path, rows)
}
