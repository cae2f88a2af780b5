package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/console"
)

// Engine names accepted by BrowserOptions.Engine.
const (
	EngineChromedp = "chromedp"
	EngineCDP      = "cdp"
)

// OptionError reports an invalid option by name.
type OptionError struct {
	Option string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("'%s' %s", e.Option, e.Reason)
}

func invalid(option, reason string) error {
	return &OptionError{Option: option, Reason: reason}
}

// ServerOptions configures the static file server wrapped around a suite run.
type ServerOptions struct {
	// Root is the directory served. Default ./test/public.
	Root string `yaml:"root" toml:"root"`
	// Port to listen on. 0 picks a free port. Default 8080.
	Port int `yaml:"port" toml:"port"`
	// ExitOnFail makes the CLI exit with status 1 when the suite fails.
	ExitOnFail bool `yaml:"exit_on_fail" toml:"exit_on_fail"`
	// PortCandidates are tried in order when Port is busy and
	// PortAutoFallback is set.
	PortCandidates   []int `yaml:"port_candidates" toml:"port_candidates"`
	PortAutoFallback bool  `yaml:"port_auto_fallback" toml:"port_auto_fallback"`
	// StatusAPI mounts the /_runner status endpoints next to the static files.
	StatusAPI bool `yaml:"status_api" toml:"status_api"`
}

// DefaultServerOptions returns the server defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Root:       "./test/public",
		Port:       8080,
		ExitOnFail: true,
		StatusAPI:  true,
	}
}

// DefaultURL is the suite URL used when none is configured.
func DefaultURL(port int) string {
	return "http://localhost:" + strconv.Itoa(port) + "/"
}

// Validate checks the server options eagerly.
func (o ServerOptions) Validate() error {
	if o.Root == "" {
		return invalid("root", "must be a directory path string.")
	}
	if o.Port < 0 || o.Port > 65535 {
		return invalid("port", "must be an integer between 0 and 65535.")
	}
	for _, p := range o.PortCandidates {
		if p <= 0 || p > 65535 {
			return invalid("port_candidates", fmt.Sprintf("contains invalid port %d.", p))
		}
	}
	return nil
}

// BrowserOptions is passed through to the automation engine.
type BrowserOptions struct {
	// Engine selects "chromedp" (launch a local browser) or "cdp" (attach to
	// a browser exposing a remote debugging endpoint, launching one when the
	// port is free).
	Engine string `yaml:"engine" toml:"engine"`
	// ExecPath overrides CHROME_BIN.
	ExecPath string `yaml:"exec_path" toml:"exec_path"`
	// Args are extra command-line switches ("--lang=en").
	Args []string `yaml:"args" toml:"args"`
	// Flags are chromedp flag overrides; false removes a default flag.
	Flags        map[string]any `yaml:"flags" toml:"flags"`
	WindowWidth  int            `yaml:"window_width" toml:"window_width"`
	WindowHeight int            `yaml:"window_height" toml:"window_height"`
	NoSandbox    bool           `yaml:"no_sandbox" toml:"no_sandbox"`
	UserDataDir  string         `yaml:"user_data_dir" toml:"user_data_dir"`
	CDPAddress   string         `yaml:"cdp_address" toml:"cdp_address"`
	CDPPort      int            `yaml:"cdp_port" toml:"cdp_port"`
	// StartupTimeout bounds browser launch and CDP readiness.
	StartupTimeout time.Duration `yaml:"startup_timeout" toml:"startup_timeout"`
}

// SuiteOptions configures a single test suite run.
type SuiteOptions struct {
	// URL of the page hosting the instrumented suite. Required.
	URL string `yaml:"url" toml:"url"`
	// EmptyCoverage empties ReportDir before the run.
	EmptyCoverage bool `yaml:"empty_coverage" toml:"empty_coverage"`
	Headless      bool `yaml:"headless" toml:"headless"`
	// KeepAlive waits for ctrl-c before closing the browser.
	KeepAlive bool           `yaml:"keep_alive" toml:"keep_alive"`
	Browser   BrowserOptions `yaml:"browser" toml:"browser"`
	// IgnoreConsole patterns; "/expr/" entries are regular expressions.
	IgnoreConsole []string `yaml:"ignore_console" toml:"ignore_console"`
	// OnlyMocha limits forwarded output to reporter lines.
	OnlyMocha bool `yaml:"only_mocha" toml:"only_mocha"`
	// CoverageGlobal is the window global holding Istanbul coverage.
	CoverageGlobal string `yaml:"coverage_global" toml:"coverage_global"`
	ReportDir      string `yaml:"report_dir" toml:"report_dir"`
	// CoverageDir receives out.json. Default ./.nyc_output.
	CoverageDir string `yaml:"coverage_dir" toml:"coverage_dir"`
	// Timeout bounds the wait for the end-of-run marker. 0 waits forever.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// ConsoleLog, when set, records every raw console message as JSON lines.
	ConsoleLog string `yaml:"console_log" toml:"console_log"`
	// ScreenshotOnFail saves <ReportDir>/failure.png for failed runs.
	ScreenshotOnFail bool `yaml:"screenshot_on_fail" toml:"screenshot_on_fail"`
	// NotifyURL receives a POST with the run outcome.
	NotifyURL string `yaml:"notify_url" toml:"notify_url"`

	// PageConsole observes every raw console message before filtering.
	PageConsole func(console.Message) `yaml:"-" toml:"-"`
}

// DefaultSuiteOptions returns the suite defaults.
func DefaultSuiteOptions() SuiteOptions {
	return SuiteOptions{
		EmptyCoverage:  true,
		Headless:       true,
		CoverageGlobal: "__coverage__",
		ReportDir:      "./coverage",
		CoverageDir:    "./.nyc_output",
		Browser: BrowserOptions{
			Engine:         EngineChromedp,
			CDPAddress:     "127.0.0.1",
			CDPPort:        9222,
			StartupTimeout: 15 * time.Second,
		},
	}
}

var globalRe = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// Validate checks the suite options eagerly.
func (o SuiteOptions) Validate() error {
	if o.URL == "" {
		return invalid("url", "must be a string.")
	}
	u, err := url.Parse(o.URL)
	if err != nil || u.Scheme == "" {
		return invalid("url", "must be an absolute URL.")
	}
	if !globalRe.MatchString(o.CoverageGlobal) {
		return invalid("coverage_global", "must be a JavaScript identifier path.")
	}
	if o.ReportDir == "" {
		return invalid("report_dir", "must be a directory path string.")
	}
	if o.CoverageDir == "" {
		return invalid("coverage_dir", "must be a directory path string.")
	}
	if o.Timeout < 0 {
		return invalid("timeout", "must not be negative.")
	}
	if _, err := o.IgnorePatterns(); err != nil {
		return invalid("ignore_console", err.Error())
	}
	return o.Browser.Validate()
}

// Validate checks the engine options.
func (o BrowserOptions) Validate() error {
	switch o.Engine {
	case EngineChromedp:
	case EngineCDP:
		if o.CDPAddress == "" {
			return invalid("browser.cdp_address", "must be set for the cdp engine.")
		}
		if o.CDPPort <= 0 || o.CDPPort > 65535 {
			return invalid("browser.cdp_port", "must be an integer between 1 and 65535.")
		}
	default:
		return invalid("browser.engine", fmt.Sprintf("must be %q or %q.", EngineChromedp, EngineCDP))
	}
	if o.WindowWidth < 0 || o.WindowHeight < 0 {
		return invalid("browser.window", "dimensions must not be negative.")
	}
	if o.StartupTimeout < 0 {
		return invalid("browser.startup_timeout", "must not be negative.")
	}
	return nil
}

// IgnorePatterns parses IgnoreConsole.
func (o SuiteOptions) IgnorePatterns() ([]console.Pattern, error) {
	return console.ParsePatterns(o.IgnoreConsole)
}

// CDPURL is the HTTP debugging endpoint for the cdp engine.
func (o BrowserOptions) CDPURL() string {
	return "http://" + o.CDPAddress + ":" + strconv.Itoa(o.CDPPort)
}
