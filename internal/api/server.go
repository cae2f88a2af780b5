// Package api serves the suite's static root and the small /_runner API the
// page and external tooling use to inspect a run.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	runnerPrefix = "/_runner"
	openAPIPath  = runnerPrefix + "/openapi"
)

//go:embed assets/mocha-console.js
var mochaConsoleJS []byte

// Run states reported by the status endpoint.
const (
	StatePending = "pending"
	StateRunning = "running"
	StatePassed  = "passed"
	StateFailed  = "failed"
	StateError   = "error"
)

// Status is a snapshot of the current suite run.
type Status struct {
	State      string     `json:"state" enum:"pending,running,passed,failed,error" doc:"Run state"`
	RunID      string     `json:"run_id,omitempty" doc:"Identifier shared with the console transcript"`
	URL        string     `json:"url,omitempty" doc:"Suite page URL"`
	Passed     bool       `json:"passed" doc:"True once the page reported [MOCHA_END_PASSED]"`
	EndMarker  string     `json:"end_marker,omitempty" doc:"End-of-run marker seen on the console"`
	Messages   int        `json:"messages" doc:"Console messages observed so far"`
	Coverage   bool       `json:"coverage" doc:"True when coverage was written"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StatusSource reports the current run state.
type StatusSource interface {
	Status() Status
}

type statusOutput struct {
	Body Status
}

// NewServer returns a handler serving root as static files. When status is
// non-nil the /_runner status API and its OpenAPI document are mounted too,
// and a non-nil metrics handler is served at /_runner/metrics.
func NewServer(root string, status StatusSource, metrics http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(runnerPrefix+"/mocha-console.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(mochaConsoleJS); err != nil {
			slog.Debug("mocha-console.js write failed", "error", err)
		}
	})

	if status != nil {
		cfg := huma.DefaultConfig("browsersuite runner API", "1.0.0")
		cfg.DocsPath = ""
		cfg.OpenAPIPath = openAPIPath
		cfg.SchemasPath = runnerPrefix + "/schemas"
		api := humachi.New(router, cfg)

		router.Get(runnerPrefix+"/docs", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			if _, err := w.Write([]byte(docsHTML)); err != nil {
				slog.Debug("docs response write failed", "error", err)
			}
		})
		registerStatusHandlers(api, status)
	}

	if metrics != nil {
		router.Method(http.MethodGet, runnerPrefix+"/metrics", metrics)
	}

	router.Handle("/*", http.FileServer(http.Dir(root)))
	return router
}

func registerStatusHandlers(api huma.API, status StatusSource) {
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: runnerPrefix + "/status", Summary: "Current suite run status", Tags: []string{"Runner"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: status.Status()}, nil
		})

	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: runnerPrefix + "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}
