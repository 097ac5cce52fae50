package cdpcontrol

import (
	"fmt"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

const (
	CodeValidation      = "VALIDATION"
	CodeChartNotFound   = "CHART_NOT_FOUND"
	CodeElementNotFound = "ELEMENT_NOT_FOUND"
	CodeElementStale    = "ELEMENT_STALE"
	CodeEvalFailure     = "EVAL_FAILURE"
	CodeEvalTimeout     = "EVAL_TIMEOUT"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Is maps codes onto the driver-independent failure classes.
func (e *CodedError) Is(target error) bool {
	switch target {
	case types.ErrNotFound:
		return e.Code == CodeElementNotFound
	case types.ErrStale:
		return e.Code == CodeElementStale
	case types.ErrSessionUnusable:
		return e.Code == CodeCDPUnavailable || e.Code == CodeChartNotFound
	}
	return false
}

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// TabInfo describes a chart page target.
type TabInfo struct {
	TargetID string `json:"target_id"`
	ChartID  string `json:"chart_id,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// ElementState is what the page-side inspector reports for one element.
type ElementState struct {
	Text    string  `json:"text"`
	Visible bool    `json:"visible"`
	Enabled bool    `json:"enabled"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}
