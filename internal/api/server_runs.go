package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_harvester/internal/controller"
	"github.com/dgnsrekt/tv_harvester/internal/history"
	"github.com/dgnsrekt/tv_harvester/internal/report"
)

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type sessionOutput struct {
		Body struct {
			Browser bool `json:"browser"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "session-health", Method: http.MethodGet, Path: "/api/v1/health/session", Summary: "Check the browser session", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			out := &sessionOutput{}
			out.Body.Browser = svc.SessionAlive(ctx)
			return out, nil
		})
}

func registerRunHandlers(api huma.API, svc Service) {
	type startRunInput struct {
		Body struct {
			Count         int    `json:"count,omitempty" minimum:"0" doc:"Watchlist items to visit. 0 uses the configured default."`
			ReferenceDate string `json:"reference_date,omitempty" doc:"YYYY-MM-DD. Empty uses today."`
			AssetMode     string `json:"asset_mode,omitempty" doc:"stocks or etp"`
		}
	}
	type startRunOutput struct {
		Body struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "start-run", Method: http.MethodPost, Path: "/api/v1/runs", Summary: "Start a harvest run", Tags: []string{"Runs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *startRunInput) (*startRunOutput, error) {
			id, err := svc.Start(controller.RunRequest{
				Count:         input.Body.Count,
				ReferenceDate: input.Body.ReferenceDate,
				AssetMode:     input.Body.AssetMode,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &startRunOutput{}
			out.Body.RunID = id
			out.Body.Status = "started"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-current-run", Method: http.MethodGet, Path: "/api/v1/runs/current", Summary: "Get progress of the active run", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{}) (*runStatusOutput, error) {
			return &runStatusOutput{Body: svc.Status()}, nil
		})

	control := []struct {
		id, action, summary string
		fn                  func() error
	}{
		{"pause-run", "pause", "Pause the active run", svc.Pause},
		{"resume-run", "resume", "Resume the paused run", svc.Resume},
		{"stop-run", "stop", "Stop the active run after the current symbol", svc.Stop},
	}
	for _, c := range control {
		fn := c.fn
		huma.Register(api, huma.Operation{OperationID: c.id, Method: http.MethodPost, Path: "/api/v1/runs/current/" + c.action, Summary: c.summary, Tags: []string{"Runs"}},
			func(ctx context.Context, input *struct{}) (*runStatusOutput, error) {
				if err := fn(); err != nil {
					return nil, mapErr(err)
				}
				return &runStatusOutput{Body: svc.Status()}, nil
			})
	}

	type listRunsInput struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500" doc:"Maximum runs to return"`
	}
	type listRunsOutput struct {
		Body struct {
			Runs []history.Run `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-runs", Method: http.MethodGet, Path: "/api/v1/runs", Summary: "List stored runs, newest first", Tags: []string{"Runs"}},
		func(ctx context.Context, input *listRunsInput) (*listRunsOutput, error) {
			runs, err := svc.ListRuns(ctx, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRunsOutput{}
			out.Body.Runs = runs
			if out.Body.Runs == nil {
				out.Body.Runs = []history.Run{}
			}
			return out, nil
		})

	type runRecordsOutput struct {
		Body struct {
			RunID   string       `json:"run_id"`
			Columns []string     `json:"columns"`
			Headers []string     `json:"headers"`
			Rows    []report.Row `json:"rows"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-run-records", Method: http.MethodGet, Path: "/api/v1/runs/{run_id}/records", Summary: "Get the records of a stored run", Tags: []string{"Runs"}},
		func(ctx context.Context, input *runIDInput) (*runRecordsOutput, error) {
			recs, err := svc.RunRecords(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			t := report.Build(recs)
			out := &runRecordsOutput{}
			out.Body.RunID = input.RunID
			out.Body.Columns = t.Columns
			out.Body.Headers = t.Headers()
			out.Body.Rows = t.Rows
			return out, nil
		})
}
