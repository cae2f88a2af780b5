package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/api"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
	"github.com/stretchr/testify/require"
)

// fakePage replays a scripted console session when navigated.
type fakePage struct {
	bus *console.Bus

	script   []console.Message
	coverage []byte
	onNav    func(url string)

	mu       sync.Mutex
	opts     config.BrowserOptions
	headless bool
	url      string
	shots    int
	closed   bool
}

func newFakePage(coverage string, script ...console.Message) *fakePage {
	p := &fakePage{bus: console.NewBus(), script: script}
	if coverage != "" {
		p.coverage = []byte(coverage)
	}
	return p
}

func (p *fakePage) engine(_ context.Context, opts config.BrowserOptions, headless bool) (Page, error) {
	p.mu.Lock()
	p.opts, p.headless = opts, headless
	p.mu.Unlock()
	return p, nil
}

func (p *fakePage) Subscribe(fn func(console.Message)) func() { return p.bus.Subscribe(fn) }
func (p *fakePage) Flush(ctx context.Context) error            { return p.bus.Flush(ctx) }

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	if p.onNav != nil {
		p.onNav(url)
	}
	for _, msg := range p.script {
		p.bus.Publish(msg)
	}
	return nil
}

func (p *fakePage) Coverage(context.Context, string) ([]byte, error) { return p.coverage, nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	p.shots++
	p.mu.Unlock()
	return []byte("png"), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.bus.Close()
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Emit(level string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, level+" "+console.Format(args))
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// setupEnv points CHROME_BIN at an existing file and returns an env file path.
func setupEnv(t *testing.T) (envFile, bin string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "chrome")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	envFile = filepath.Join(dir, "chrome.env")
	require.NoError(t, os.WriteFile(envFile, []byte("# browser settings come from the test environment\n"), 0o644))

	t.Setenv("CHROME_BIN", bin)
	t.Setenv("PUPPETEER_BIN", "")
	t.Setenv("CHROME_HEADLESS", "")
	t.Setenv("PUPPETEER_HEADLESS", "")
	return envFile, bin
}

func suiteOptions(t *testing.T) config.SuiteOptions {
	t.Helper()
	root := t.TempDir()
	opts := config.DefaultSuiteOptions()
	opts.URL = "http://localhost:8080/"
	opts.CoverageDir = filepath.Join(root, ".nyc_output")
	opts.ReportDir = filepath.Join(root, "coverage")
	opts.Timeout = 5 * time.Second
	return opts
}

func newTestRunner(envFile string, page *fakePage, sink console.Sink) *Runner {
	r := New(envFile)
	r.Engine = page.engine
	r.Sink = sink
	r.Stdin = strings.NewReader("\x03")
	r.Stdout = io.Discard
	return r
}

const coverageJSON = `{"/src/DemoModule.js":{"path":"/src/DemoModule.js","s":{"0":1}}}`

func TestRunTestSuitePassed(t *testing.T) {
	envFile, bin := setupEnv(t)
	page := newFakePage(coverageJSON,
		console.NewMessage("log", "bundle loaded"),
		console.NewMessage("log", console.MochaConsole, "  ✓ adds two"),
		console.NewMessage("warning", "deprecated"),
		console.NewMessage("log", console.MochaPassed),
	)
	sink := &recordingSink{}
	r := newTestRunner(envFile, page, sink)

	var observed []string
	opts := suiteOptions(t)
	opts.PageConsole = func(msg console.Message) { observed = append(observed, msg.Text) }

	passed, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, passed)

	require.Equal(t, bin, page.opts.ExecPath)
	require.True(t, page.headless)
	require.Equal(t, opts.URL, page.url)
	require.True(t, page.closed)

	require.Equal(t, []string{"log bundle loaded", "log   ✓ adds two", "warn deprecated"}, sink.all())
	require.Len(t, observed, 4)
	require.Equal(t, console.MochaPassed, observed[3])

	data, err := os.ReadFile(filepath.Join(opts.CoverageDir, "out.json"))
	require.NoError(t, err)
	require.JSONEq(t, coverageJSON, string(data))

	status := r.Tracker().Status()
	require.Equal(t, api.StatePassed, status.State)
	require.True(t, status.Coverage)
	require.Equal(t, 4, status.Messages)
	require.NotNil(t, status.FinishedAt)
	require.Len(t, status.RunID, 36)

	rec := httptest.NewRecorder()
	r.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_runner/metrics", nil))
	require.Contains(t, rec.Body.String(), `browsersuite_runs_total{state="passed"} 1`)
	require.Contains(t, rec.Body.String(), `browsersuite_console_messages_total{type="log"} 3`)
}

func TestRunTestSuiteFailedTakesScreenshot(t *testing.T) {
	envFile, _ := setupEnv(t)
	page := newFakePage("", console.NewMessage("log", console.MochaFailed))
	r := newTestRunner(envFile, page, &recordingSink{})

	opts := suiteOptions(t)
	opts.ScreenshotOnFail = true

	passed, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)
	require.False(t, passed)
	require.Equal(t, 1, page.shots)

	_, err = os.Stat(filepath.Join(opts.ReportDir, "failure.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(opts.CoverageDir, "out.json"))
	require.True(t, os.IsNotExist(err), "out.json must not exist without a coverage global")

	status := r.Tracker().Status()
	require.Equal(t, api.StateFailed, status.State)
	require.Equal(t, console.MochaFailed, status.EndMarker)
}

func TestRunTestSuiteOnlyMochaAndIgnore(t *testing.T) {
	envFile, _ := setupEnv(t)
	page := newFakePage("",
		console.NewMessage("log", "[HMR] connected"),
		console.NewMessage("log", console.MochaConsole, "suite"),
		console.NewMessage("log", console.MochaConsole, "noisy line"),
		console.NewMessage("log", console.MochaPassed),
	)
	sink := &recordingSink{}
	r := newTestRunner(envFile, page, sink)

	opts := suiteOptions(t)
	opts.OnlyMocha = true
	opts.IgnoreConsole = []string{"/noisy/"}

	passed, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, passed)
	require.Equal(t, []string{"log suite"}, sink.all())
}

func TestRunTestSuiteTimeout(t *testing.T) {
	envFile, _ := setupEnv(t)
	page := newFakePage("", console.NewMessage("log", "never finishes"))
	r := newTestRunner(envFile, page, &recordingSink{})

	opts := suiteOptions(t)
	opts.Timeout = 50 * time.Millisecond

	passed, err := r.RunTestSuite(context.Background(), opts)
	require.False(t, passed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, page.closed)
	require.Equal(t, api.StateError, r.Tracker().Status().State)
}

func TestRunTestSuiteEmptiesCoverageDirs(t *testing.T) {
	envFile, _ := setupEnv(t)
	page := newFakePage("", console.NewMessage("log", console.MochaPassed))
	r := newTestRunner(envFile, page, &recordingSink{})

	opts := suiteOptions(t)
	stale := filepath.Join(opts.CoverageDir, "stale.json")
	report := filepath.Join(opts.ReportDir, "index.html")
	require.NoError(t, os.MkdirAll(opts.CoverageDir, 0o755))
	require.NoError(t, os.MkdirAll(opts.ReportDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(report, []byte("<html>"), 0o644))

	_, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(report)
	require.True(t, os.IsNotExist(err))
}

func TestRunTestSuiteKeepAlive(t *testing.T) {
	envFile, _ := setupEnv(t)
	page := newFakePage("", console.NewMessage("log", console.MochaPassed))
	r := newTestRunner(envFile, page, &recordingSink{})
	var out bytes.Buffer
	r.Stdout = &out

	opts := suiteOptions(t)
	opts.KeepAlive = true

	passed, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, passed)
	require.Contains(t, out.String(), "ctrl-c")
	require.True(t, page.closed)
}

func TestRunTestSuiteEnvHeadlessOverride(t *testing.T) {
	envFile, _ := setupEnv(t)
	t.Setenv("CHROME_HEADLESS", "false")
	page := newFakePage("", console.NewMessage("log", console.MochaPassed))
	r := newTestRunner(envFile, page, &recordingSink{})

	_, err := r.RunTestSuite(context.Background(), suiteOptions(t))
	require.NoError(t, err)
	require.False(t, page.headless)
}

func TestRunTestSuitePreconditions(t *testing.T) {
	t.Run("invalid options", func(t *testing.T) {
		envFile, _ := setupEnv(t)
		r := newTestRunner(envFile, newFakePage(""), &recordingSink{})
		opts := suiteOptions(t)
		opts.URL = ""

		_, err := r.RunTestSuite(context.Background(), opts)
		var optErr *config.OptionError
		require.ErrorAs(t, err, &optErr)
		require.Equal(t, "url", optErr.Option)
	})

	t.Run("missing env file", func(t *testing.T) {
		setupEnv(t)
		page := newFakePage("")
		r := newTestRunner(filepath.Join(t.TempDir(), "missing.env"), page, &recordingSink{})

		_, err := r.RunTestSuite(context.Background(), suiteOptions(t))
		require.ErrorContains(t, err, "Please provide a dotenv configuration file")
		require.Empty(t, page.url, "browser must not be opened")
	})

	t.Run("missing CHROME_BIN", func(t *testing.T) {
		envFile, _ := setupEnv(t)
		t.Setenv("CHROME_BIN", "")
		page := newFakePage("")
		r := newTestRunner(envFile, page, &recordingSink{})

		_, err := r.RunTestSuite(context.Background(), suiteOptions(t))
		require.ErrorIs(t, err, config.ErrMissingBrowserBin)
	})

	t.Run("CHROME_BIN not on disk", func(t *testing.T) {
		envFile, _ := setupEnv(t)
		t.Setenv("CHROME_BIN", filepath.Join(t.TempDir(), "nope"))
		r := newTestRunner(envFile, newFakePage(""), &recordingSink{})

		_, err := r.RunTestSuite(context.Background(), suiteOptions(t))
		require.ErrorContains(t, err, "could not locate Chrome binary path")
	})

	t.Run("explicit exec path not on disk", func(t *testing.T) {
		envFile, _ := setupEnv(t)
		page := newFakePage("")
		r := newTestRunner(envFile, page, &recordingSink{})
		opts := suiteOptions(t)
		opts.Browser.ExecPath = filepath.Join(t.TempDir(), "missing-chrome")

		_, err := r.RunTestSuite(context.Background(), opts)
		require.ErrorContains(t, err, "could not locate Chrome binary path")
		require.Empty(t, page.url, "browser must not be opened")
	})

	t.Run("explicit exec path wins over CHROME_BIN", func(t *testing.T) {
		envFile, bin := setupEnv(t)
		t.Setenv("CHROME_BIN", "")
		page := newFakePage("", console.NewMessage("log", console.MochaPassed))
		r := newTestRunner(envFile, page, &recordingSink{})
		opts := suiteOptions(t)
		opts.Browser.ExecPath = bin

		passed, err := r.RunTestSuite(context.Background(), opts)
		require.NoError(t, err)
		require.True(t, passed)
		require.Equal(t, bin, page.opts.ExecPath)
	})

	t.Run("engine failure", func(t *testing.T) {
		envFile, _ := setupEnv(t)
		r := New(envFile)
		r.Engine = func(context.Context, config.BrowserOptions, bool) (Page, error) {
			return nil, errors.New("no display")
		}
		_, err := r.RunTestSuite(context.Background(), suiteOptions(t))
		require.ErrorContains(t, err, "no display")
	})
}

func TestRunTestSuiteNotifies(t *testing.T) {
	var mu sync.Mutex
	var title, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		title, body = r.Header.Get("Title"), string(data)
		mu.Unlock()
	}))
	defer srv.Close()

	envFile, _ := setupEnv(t)
	page := newFakePage("", console.NewMessage("log", console.MochaFailed))
	r := newTestRunner(envFile, page, &recordingSink{})
	opts := suiteOptions(t)
	opts.NotifyURL = srv.URL

	_, err := r.RunTestSuite(context.Background(), opts)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "browsersuite: failed", title)
	require.Contains(t, body, console.MochaFailed)
}

func TestRunServerAndTestSuite(t *testing.T) {
	envFile, _ := setupEnv(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<title>suite</title>"), 0o644))

	page := newFakePage("", console.NewMessage("log", console.MochaPassed))
	var index string
	var status api.Status
	page.onNav = func(url string) {
		resp, err := http.Get(url)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			index = string(data)
		}
		resp, err = http.Get(url + "_runner/status")
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
		}
	}
	r := newTestRunner(envFile, page, &recordingSink{})

	server := config.DefaultServerOptions()
	server.Root = root
	server.Port = 0
	opts := suiteOptions(t)
	opts.URL = ""

	passed, err := r.RunServerAndTestSuite(context.Background(), server, opts)
	require.NoError(t, err)
	require.True(t, passed)
	require.True(t, strings.HasPrefix(page.url, "http://localhost:"))
	require.Contains(t, index, "<title>suite</title>")
	require.Equal(t, api.StateRunning, status.State)

	_, err = http.Get(page.url)
	require.Error(t, err, "server must be closed after the run")
}

func TestRunServerAndTestSuiteMissingRoot(t *testing.T) {
	r := New("unused.env")
	server := config.DefaultServerOptions()
	server.Root = filepath.Join(t.TempDir(), "missing")

	_, err := r.RunServerAndTestSuite(context.Background(), server, suiteOptions(t))
	require.ErrorContains(t, err, "root directory not found")
}

func TestRunServerAndTestSuiteValidatesSuiteBeforeListening(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	envFile, _ := setupEnv(t)
	page := newFakePage("")
	r := newTestRunner(envFile, page, &recordingSink{})

	server := config.DefaultServerOptions()
	server.Root = t.TempDir()
	server.Port = 0
	opts := suiteOptions(t)
	opts.URL = ""
	opts.CoverageGlobal = "1bad"

	_, err := r.RunServerAndTestSuite(context.Background(), server, opts)
	var optErr *config.OptionError
	require.ErrorAs(t, err, &optErr)
	require.Equal(t, "coverage_global", optErr.Option)
	require.NotContains(t, logs.String(), "Ready on", "server must not start with invalid suite options")
	require.Empty(t, page.url)
}

func TestEngineFor(t *testing.T) {
	for _, name := range []string{"", config.EngineChromedp, config.EngineCDP} {
		if _, err := EngineFor(name); err != nil {
			t.Fatalf("EngineFor(%q) error = %v", name, err)
		}
	}
	if _, err := EngineFor("webkit"); err == nil {
		t.Fatal("EngineFor(webkit) error = nil; want error")
	}
}
