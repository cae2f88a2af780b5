// Package runner drives a Mocha suite in a browser page: it serves the suite,
// forwards the page console, waits for the end-of-run marker and harvests
// coverage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/api"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
	"github.com/dgnsrekt/browsersuite/internal/coverage"
	"github.com/dgnsrekt/browsersuite/internal/latch"
	"github.com/dgnsrekt/browsersuite/internal/metrics"
	"github.com/dgnsrekt/browsersuite/internal/netutil"
	"github.com/dgnsrekt/browsersuite/internal/notify"
	"github.com/dgnsrekt/browsersuite/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	operationTimeout = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	notifyTimeout    = 10 * time.Second

	transcriptBuffer = 1024
	transcriptMaxMB  = 10
)

// Runner holds the process-level collaborators of a suite run. The zero
// value is not usable; call New.
type Runner struct {
	// EnvFile is the dotenv file holding CHROME_BIN and CHROME_HEADLESS.
	EnvFile string
	// Engine overrides the engine chosen by SuiteOptions.Browser.Engine.
	Engine Engine
	// Sink receives forwarded console output. Defaults to Stdout/stderr.
	Sink console.Sink
	// Stdin and Stdout are used by the keep-alive latch.
	Stdin  io.Reader
	Stdout io.Writer
	// HTTPClient posts run notifications.
	HTTPClient *http.Client

	tracker *Tracker
	metrics *metrics.Metrics
}

// New returns a runner reading browser settings from envFile.
func New(envFile string) *Runner {
	return &Runner{
		EnvFile:    envFile,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		HTTPClient: &http.Client{Timeout: notifyTimeout},
		tracker:    NewTracker(),
		metrics:    metrics.New(),
	}
}

// Tracker exposes the run status.
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Metrics exposes the run counters.
func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// RunTestSuite runs a suite with the default env file.
func RunTestSuite(ctx context.Context, opts config.SuiteOptions) (bool, error) {
	return New(config.DefaultEnvFile).RunTestSuite(ctx, opts)
}

// RunServerAndTestSuite serves a suite and runs it with the default env file.
func RunServerAndTestSuite(ctx context.Context, server config.ServerOptions, suite config.SuiteOptions) (bool, error) {
	return New(config.DefaultEnvFile).RunServerAndTestSuite(ctx, server, suite)
}

type result struct {
	endMarker string
	coverage  bool
	err       error
}

func (r result) passed() bool {
	return r.err == nil && r.endMarker == console.MochaPassed
}

// RunTestSuite opens opts.URL in a browser, forwards its console until the
// page logs an end-of-run marker, and writes the coverage global to
// <CoverageDir>/out.json. It reports whether the suite passed.
func (r *Runner) RunTestSuite(ctx context.Context, opts config.SuiteOptions) (bool, error) {
	if err := opts.Validate(); err != nil {
		return false, err
	}

	started := time.Now()
	runID := r.tracker.start(opts.URL)
	res := r.run(ctx, runID, opts)
	state := r.tracker.finish(res)
	r.metrics.ObserveRun(state, time.Since(started), res.coverage)

	outcome := notify.Outcome{
		RunID:     runID,
		URL:       opts.URL,
		Passed:    res.passed(),
		EndMarker: res.endMarker,
		Duration:  time.Since(started),
		Err:       res.err,
	}
	if res.err != nil {
		slog.Error("Test suite run failed", "run_id", runID, "url", opts.URL, "error", res.err)
	} else {
		slog.Info("Test suite finished", "run_id", runID, "url", opts.URL, "passed", outcome.Passed, "end_marker", res.endMarker, "duration", outcome.Duration.Round(time.Millisecond))
	}
	r.notify(opts.NotifyURL, outcome)

	return res.passed(), res.err
}

func (r *Runner) run(ctx context.Context, runID string, opts config.SuiteOptions) (res result) {
	store, err := coverage.Prepare(opts.CoverageDir, opts.ReportDir, opts.EmptyCoverage)
	if err != nil {
		return result{err: err}
	}

	browserOpts, headless, err := r.resolveBrowser(opts)
	if err != nil {
		return result{err: err}
	}

	engine := r.Engine
	if engine == nil {
		if engine, err = EngineFor(browserOpts.Engine); err != nil {
			return result{err: err}
		}
	}

	page, err := engine(ctx, browserOpts, headless)
	if err != nil {
		return result{err: fmt.Errorf("open browser page: %w", err)}
	}
	defer func() {
		if err := page.Close(); err != nil {
			slog.Warn("Browser did not close cleanly", "error", err)
		}
	}()

	if opts.ConsoleLog != "" {
		transcript, err := storage.NewJSONLWriter(opts.ConsoleLog, runID, transcriptBuffer, transcriptMaxMB)
		if err != nil {
			return result{err: err}
		}
		defer transcript.Close()
		defer page.Subscribe(transcript.Observe)()
	}

	ignore, err := opts.IgnorePatterns()
	if err != nil {
		return result{err: err}
	}
	fwd := console.NewForwarder(console.ForwarderOptions{
		Ignore:    ignore,
		OnlyMocha: opts.OnlyMocha,
		Sink:      r.Sink,
		Observer: func(msg console.Message) {
			r.tracker.observe(msg)
			r.metrics.ObserveMessage(msg.Type)
			if opts.PageConsole != nil {
				opts.PageConsole(msg)
			}
		},
	})
	defer fwd.Attach(page)()

	// Registered before navigation so an early marker cannot be missed.
	watch := console.WaitForMessage(page, console.MochaEndState, nil)
	defer watch.Cancel()

	if err := page.Navigate(ctx, opts.URL); err != nil {
		return result{err: err}
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	marker, err := watch.Wait(waitCtx)
	if err != nil {
		return result{err: fmt.Errorf("waiting for end-of-run marker: %w", err)}
	}
	res.endMarker = marker

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := page.Flush(opCtx); err != nil {
		slog.Debug("console flush interrupted", "error", err)
	}

	raw, err := page.Coverage(opCtx, opts.CoverageGlobal)
	if err != nil {
		res.err = err
		return res
	}
	if res.coverage, err = store.Write(raw); err != nil {
		res.err = err
		return res
	}

	if opts.ScreenshotOnFail && !res.passed() {
		if png, err := page.Screenshot(opCtx); err != nil {
			slog.Warn("Failure screenshot not captured", "error", err)
		} else if _, err := store.SaveScreenshot(png); err != nil {
			slog.Warn("Failure screenshot not saved", "error", err)
		}
	}

	if opts.KeepAlive {
		if err := latch.WaitForInterrupt(ctx, r.Stdin, r.Stdout); err != nil {
			slog.Debug("keep-alive ended", "error", err)
		}
	}
	return res
}

// resolveBrowser applies the dotenv settings to the launch options.
func (r *Runner) resolveBrowser(opts config.SuiteOptions) (config.BrowserOptions, bool, error) {
	browserOpts := opts.Browser
	headless := opts.Headless

	env, err := config.LoadBrowserEnv(r.EnvFile)
	if err != nil {
		return browserOpts, headless, err
	}
	if env.Headless != nil {
		headless = *env.Headless
	}

	switch {
	case browserOpts.Engine == config.EngineCDP:
		// The cdp engine can attach without a binary or detect one itself.
		if browserOpts.ExecPath == "" {
			browserOpts.ExecPath = env.Bin
		}
	case browserOpts.ExecPath != "":
		if err := config.CheckBin(browserOpts.ExecPath); err != nil {
			return browserOpts, headless, err
		}
	default:
		bin, err := env.RequireBin()
		if err != nil {
			return browserOpts, headless, err
		}
		browserOpts.ExecPath = bin
	}
	return browserOpts, headless, nil
}

func (r *Runner) notify(endpoint string, o notify.Outcome) {
	if endpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := notify.SendOutcome(ctx, r.HTTPClient, endpoint, o); err != nil {
		slog.Warn("Failed to send run notification", "endpoint", endpoint, "error", err)
	}
}

// RunServerAndTestSuite serves server.Root over HTTP and runs the suite
// against it, defaulting the suite URL to the bound port. The server is shut
// down once the run ends.
func (r *Runner) RunServerAndTestSuite(ctx context.Context, server config.ServerOptions, suite config.SuiteOptions) (bool, error) {
	if err := server.Validate(); err != nil {
		return false, err
	}
	info, err := os.Stat(server.Root)
	if err != nil || !info.IsDir() {
		return false, fmt.Errorf("root directory not found: %s", server.Root)
	}

	// The default URL depends on the bound port; validate against the
	// preferred one so bad options fail before anything listens.
	defaultURL := suite.URL == ""
	if defaultURL {
		suite.URL = config.DefaultURL(server.Port)
	}
	if err := suite.Validate(); err != nil {
		return false, err
	}

	ln, err := netutil.ListenPort("", server.Port, server.PortCandidates, server.PortAutoFallback)
	if err != nil {
		return false, err
	}
	port := netutil.Port(ln)
	if defaultURL {
		suite.URL = config.DefaultURL(port)
	}

	var status api.StatusSource
	var metricsHandler http.Handler
	if server.StatusAPI {
		status = r.tracker
		metricsHandler = r.metrics.Handler()
	}
	srv := &http.Server{
		Handler:           api.NewServer(server.Root, status, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("static server: %w", err)
		}
		return nil
	})
	slog.Info(fmt.Sprintf("> Ready on localhost:%d", port), "root", server.Root)

	var passed bool
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Static server shutdown failed", "error", err)
			}
		}()
		var err error
		passed, err = r.RunTestSuite(gctx, suite)
		return err
	})

	err = g.Wait()
	return passed, err
}
