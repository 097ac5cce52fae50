package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tv_harvester/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_harvester/internal/controller"
	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/history"
	"github.com/dgnsrekt/tv_harvester/internal/metrics"
)

// Service is the run supervisor the API drives.
type Service interface {
	Start(req controller.RunRequest) (string, error)
	Pause() error
	Resume() error
	Stop() error
	Status() controller.Status
	SessionAlive(ctx context.Context) bool
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	RunRecords(ctx context.Context, runID string) ([]metrics.DerivedRecord, error)
}

type runIDInput struct {
	RunID string `path:"run_id" doc:"Run identifier"`
}

type runStatusOutput struct {
	Body controller.Status
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("TV Harvester API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerHealthHandlers(api, svc)
	registerRunHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, harvest.ErrRunActive):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, harvest.ErrNotRunning):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, harvest.ErrInvalidConfig):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, history.ErrRunNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, controller.ErrHistoryDisabled):
		return huma.Error503ServiceUnavailable(err.Error())
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeChartNotFound, cdpcontrol.CodeElementNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
