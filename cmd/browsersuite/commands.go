package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/reload"
	"github.com/dgnsrekt/browsersuite/internal/runner"
	"github.com/spf13/cobra"
)

var version = "dev"

// cliFlags are overlaid on the loaded config when set on the command line.
type cliFlags struct {
	configFile string
	envFile    string
	logLevel   string
	logFile    string

	root       string
	port       int
	exitOnFail bool
	statusAPI  bool
	watch      bool
	watchDirs  []string

	url              string
	engine           string
	execPath         string
	headless         bool
	keepAlive        bool
	onlyMocha        bool
	ignore           []string
	emptyCoverage    bool
	coverageGlobal   string
	coverageDir      string
	reportDir        string
	timeout          time.Duration
	consoleLog       string
	screenshotOnFail bool
	notifyURL        string
	browserArgs      []string
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "browsersuite",
		Short: "Run Mocha test suites in a headless browser",
		Long: `browsersuite serves a Mocha test page, opens it in Chrome, forwards the
page console to the terminal and writes Istanbul coverage to .nyc_output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(f.configFile)
			if err != nil {
				return err
			}
			f.apply(cmd, loaded)
			if err := setupLogger(loaded.LogLevel, loaded.LogFile); err != nil {
				return fmt.Errorf("logger setup failed: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "YAML config file")
	pf.StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "dotenv file with CHROME_BIN and CHROME_HEADLESS")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&f.logFile, "log-file", "", "rotated log file, empty for stdout only")
	pf.StringVar(&f.url, "url", "", "suite page URL")
	pf.StringVar(&f.engine, "engine", "", "browser engine (chromedp or cdp)")
	pf.StringVar(&f.execPath, "exec-path", "", "browser executable, overrides CHROME_BIN")
	pf.BoolVar(&f.headless, "headless", true, "run the browser headless")
	pf.BoolVar(&f.keepAlive, "keep-alive", false, "keep the browser open until ctrl-c")
	pf.BoolVar(&f.onlyMocha, "only-mocha", false, "forward only Mocha reporter output")
	pf.StringSliceVar(&f.ignore, "ignore", nil, "console text to ignore, /regexp/ or substring")
	pf.BoolVar(&f.emptyCoverage, "empty-coverage", true, "empty the report dir before the run")
	pf.StringVar(&f.coverageGlobal, "coverage-global", "", "window global holding coverage")
	pf.StringVar(&f.coverageDir, "coverage-dir", "", "directory receiving out.json")
	pf.StringVar(&f.reportDir, "report-dir", "", "coverage report directory")
	pf.DurationVar(&f.timeout, "timeout", 0, "maximum time to wait for the suite to finish, 0 waits forever")
	pf.StringVar(&f.consoleLog, "console-log", "", "record raw console messages as JSON lines")
	pf.BoolVar(&f.screenshotOnFail, "screenshot-on-fail", false, "save a screenshot when the suite fails")
	pf.StringVar(&f.notifyURL, "notify-url", "", "ntfy-compatible endpoint receiving the outcome")
	pf.StringSliceVar(&f.browserArgs, "browser-arg", nil, "extra browser switch, repeatable")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve a directory and run the suite it hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := runner.New(f.envFile)
			if f.watch {
				return reload.Loop(cmd.Context(), f.reloadOptions(cfg), func(ctx context.Context) error {
					passed, err := r.RunServerAndTestSuite(ctx, cfg.Server, cfg.Suite)
					return suiteResult(passed, err, false)
				})
			}
			passed, err := r.RunServerAndTestSuite(cmd.Context(), cfg.Server, cfg.Suite)
			return suiteResult(passed, err, cfg.Server.ExitOnFail)
		},
	}
	runCmd.Flags().StringVar(&f.root, "root", "", "directory to serve")
	runCmd.Flags().IntVarP(&f.port, "port", "p", 0, "port to listen on")
	runCmd.Flags().BoolVar(&f.exitOnFail, "exit-on-fail", true, "exit with status 1 when the suite fails")
	runCmd.Flags().BoolVar(&f.statusAPI, "status-api", true, "serve the /_runner status API")
	runCmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "rerun the suite when files under the root change")
	runCmd.Flags().StringSliceVar(&f.watchDirs, "watch-dir", nil, "extra directory to watch, repeatable")

	suiteCmd := &cobra.Command{
		Use:   "suite",
		Short: "Run a suite hosted at --url",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := runner.New(f.envFile)
			passed, err := r.RunTestSuite(cmd.Context(), cfg.Suite)
			return suiteResult(passed, err, true)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}

	root.AddCommand(runCmd, suiteCmd, versionCmd)
	return root
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "browsersuite %s\n", version)
}

func suiteResult(passed bool, err error, exitOnFail bool) error {
	if err != nil {
		return err
	}
	if !passed {
		slog.Warn("Test suite did not pass")
		if exitOnFail {
			return errSuiteFailed
		}
	}
	return nil
}

// reloadOptions watches the served root plus any extra directories, never
// the run's own outputs.
func (f *cliFlags) reloadOptions(cfg *config.Config) reload.Options {
	skip := []string{cfg.Suite.CoverageDir, cfg.Suite.ReportDir}
	if cfg.Suite.ConsoleLog != "" {
		skip = append(skip, cfg.Suite.ConsoleLog)
	}
	if cfg.LogFile != "" {
		skip = append(skip, cfg.LogFile)
	}
	return reload.Options{
		Dirs: append([]string{cfg.Server.Root}, f.watchDirs...),
		Skip: skip,
	}
}

// apply overlays explicitly set flags on cfg.
func (f *cliFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}

	if changed("env-file") {
		cfg.EnvFile = f.envFile
	} else {
		f.envFile = cfg.EnvFile
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-file") {
		cfg.LogFile = f.logFile
	}

	if changed("root") {
		cfg.Server.Root = f.root
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("exit-on-fail") {
		cfg.Server.ExitOnFail = f.exitOnFail
	}
	if changed("status-api") {
		cfg.Server.StatusAPI = f.statusAPI
	}

	s := &cfg.Suite
	if changed("url") {
		s.URL = f.url
	}
	if changed("engine") {
		s.Browser.Engine = f.engine
	}
	if changed("exec-path") {
		s.Browser.ExecPath = f.execPath
	}
	if changed("browser-arg") {
		s.Browser.Args = append(s.Browser.Args, f.browserArgs...)
	}
	if changed("headless") {
		s.Headless = f.headless
	}
	if changed("keep-alive") {
		s.KeepAlive = f.keepAlive
	}
	if changed("only-mocha") {
		s.OnlyMocha = f.onlyMocha
	}
	if changed("ignore") {
		s.IgnoreConsole = append(s.IgnoreConsole, f.ignore...)
	}
	if changed("empty-coverage") {
		s.EmptyCoverage = f.emptyCoverage
	}
	if changed("coverage-global") {
		s.CoverageGlobal = f.coverageGlobal
	}
	if changed("coverage-dir") {
		s.CoverageDir = f.coverageDir
	}
	if changed("report-dir") {
		s.ReportDir = f.reportDir
	}
	if changed("timeout") {
		s.Timeout = f.timeout
	}
	if changed("console-log") {
		s.ConsoleLog = f.consoleLog
	}
	if changed("screenshot-on-fail") {
		s.ScreenshotOnFail = f.screenshotOnFail
	}
	if changed("notify-url") {
		s.NotifyURL = f.notifyURL
	}
}
