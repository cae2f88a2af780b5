// Package cdpcontrol attaches to a browser's remote debugging endpoint over a
// raw DevTools WebSocket, launching the browser first when nothing listens on
// the configured port.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/browsersuite/internal/browser"
	"github.com/dgnsrekt/browsersuite/internal/cdp"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
)

// Client drives one page target on a remote-debuggable browser.
type Client struct {
	cdp      *rawCDP
	launcher *browser.Launcher
	bus      *console.Bus

	targetID  string
	sessionID string

	mu         sync.Mutex
	unregister []func()
	closed     bool
}

// Attach connects to opts.CDPURL(), starting a browser there first when the
// port is free, and opens a fresh page.
func Attach(ctx context.Context, opts config.BrowserOptions, headless bool) (*Client, error) {
	windowSize := ""
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		windowSize = strconv.Itoa(opts.WindowWidth) + "," + strconv.Itoa(opts.WindowHeight)
	}
	launcher := browser.NewLauncher(browser.Config{
		ExecPath:       opts.ExecPath,
		CDPAddress:     opts.CDPAddress,
		CDPPort:        opts.CDPPort,
		Headless:       headless,
		ProfileDir:     opts.UserDataDir,
		WindowSize:     windowSize,
		NoSandbox:      opts.NoSandbox,
		Args:           opts.Args,
		StartupTimeout: opts.StartupTimeout,
	})
	if err := launcher.Launch(ctx); err != nil {
		return nil, newError(CodeLaunch, "failed to launch browser", err)
	}

	c := &Client{
		cdp:      newRawCDP(opts.CDPURL()),
		launcher: launcher,
		bus:      console.NewBus(),
	}
	if err := c.open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	slog.Info("Attached to browser", "cdp_url", opts.CDPURL(), "target_id", c.targetID, "launched", launcher.Running())
	return c, nil
}

func (c *Client) open(ctx context.Context) error {
	if err := c.cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "failed to connect to browser", err)
	}
	targetID, err := c.cdp.createTarget(ctx, "about:blank")
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to create page", err)
	}
	c.targetID = targetID

	sessionID, err := c.cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to attach to page", err)
	}
	c.sessionID = sessionID

	c.unregister = append(c.unregister,
		c.cdp.registerEventHandler("Runtime.consoleAPICalled", c.onConsole),
		c.cdp.registerEventHandler("Runtime.exceptionThrown", c.onException),
	)
	if err := c.cdp.enableDomains(ctx, sessionID); err != nil {
		return newError(CodeCDPUnavailable, "failed to enable runtime", err)
	}
	return nil
}

// onConsole runs on the read loop; it only decodes and publishes.
func (c *Client) onConsole(sessionID string, params json.RawMessage) {
	if sessionID != c.sessionID {
		return
	}
	var ev struct {
		Type string         `json:"type"`
		Args []remoteObject `json:"args"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		slog.Debug("rawcdp: bad consoleAPICalled payload", "error", err)
		return
	}

	args := make([]console.Arg, len(ev.Args))
	parts := make([]string, len(ev.Args))
	for i, obj := range ev.Args {
		a := cdp.NewRemoteArg(obj.toRuntime(), c.valueOf)
		args[i] = a
		parts[i] = a.String()
	}
	c.bus.Publish(console.Message{Type: ev.Type, Text: strings.Join(parts, " "), Args: args})
}

func (c *Client) onException(sessionID string, params json.RawMessage) {
	if sessionID != c.sessionID {
		return
	}
	var ev struct {
		ExceptionDetails exceptionDetails `json:"exceptionDetails"`
	}
	if json.Unmarshal(params, &ev) == nil {
		slog.Warn("Uncaught exception in page", "error", ev.ExceptionDetails.Error())
	}
}

func (c *Client) valueOf(ctx context.Context, id runtime.RemoteObjectID) (*runtime.RemoteObject, error) {
	obj, err := c.cdp.callFunctionOn(ctx, c.sessionID, string(id))
	if err != nil {
		return nil, newError(CodeEvalFailure, "failed to read console argument", err)
	}
	return obj.toRuntime(), nil
}

func (o remoteObject) toRuntime() *runtime.RemoteObject {
	return &runtime.RemoteObject{
		Type:                runtime.Type(o.Type),
		Subtype:             runtime.Subtype(o.Subtype),
		Value:               []byte(o.Value),
		UnserializableValue: runtime.UnserializableValue(o.UnserializableValue),
		Description:         o.Description,
		ObjectID:            runtime.RemoteObjectID(o.ObjectID),
	}
}

// Subscribe registers fn for every console message the page emits.
func (c *Client) Subscribe(fn func(console.Message)) func() {
	return c.bus.Subscribe(fn)
}

// Flush waits until every message published so far has been delivered.
func (c *Client) Flush(ctx context.Context) error {
	return c.bus.Flush(ctx)
}

// Navigate loads url and waits for the page's load event.
func (c *Client) Navigate(ctx context.Context, url string) error {
	loaded := make(chan struct{}, 1)
	unregister := c.cdp.registerEventHandler("Page.loadEventFired", func(sessionID string, _ json.RawMessage) {
		if sessionID != c.sessionID {
			return
		}
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer unregister()

	slog.Info("Navigating", "url", url)
	if err := c.cdp.navigate(ctx, c.sessionID, url); err != nil {
		return newError(CodeNavigation, "failed to navigate to "+url, err)
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return newError(CodeNavigation, "page did not finish loading "+url, ctx.Err())
	}
}

// Coverage reads the named window global as raw JSON. A missing global
// yields nil.
func (c *Client) Coverage(ctx context.Context, global string) ([]byte, error) {
	obj, err := c.cdp.evaluate(ctx, c.sessionID, cdp.CoverageExpression(global))
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(CodeEvalTimeout, "coverage read timed out", err)
		}
		return nil, newError(CodeEvalFailure, "failed to read coverage global "+global, err)
	}
	if obj.Type == "undefined" {
		return nil, nil
	}
	return obj.Value, nil
}

// Screenshot captures the viewport as PNG.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := c.cdp.captureScreenshot(ctx, c.sessionID)
	if err != nil {
		return nil, newError(CodeEvalFailure, "failed to capture screenshot", err)
	}
	return buf, nil
}

// Close closes the page, disconnects, and stops the browser when this client
// launched it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()

	for _, fn := range unregister {
		fn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.sessionID != "" {
		if err := c.cdp.detachFromTarget(ctx, c.sessionID); err != nil {
			slog.Debug("rawcdp: detach failed", "error", err)
		}
	}
	if c.targetID != "" {
		if err := c.cdp.closeTarget(ctx, c.targetID); err != nil {
			slog.Debug("rawcdp: close target failed", "error", err)
		}
	}
	c.cdp.close()
	c.bus.Close()
	if c.launcher.Running() {
		c.launcher.Stop()
	}
	slog.Info("Browser session closed", "target_id", c.targetID)
	return nil
}
