// Package cdp drives a locally launched Chrome through chromedp and exposes
// its console output as a console.Source.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
)

// Client owns one browser process and the single page a suite runs in.
type Client struct {
	bus         *console.Bus
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Launch starts the browser described by opts and opens a blank page.
// opts.ExecPath must already be resolved.
func Launch(ctx context.Context, opts config.BrowserOptions, headless bool) (*Client, error) {
	allocOpts, err := allocatorOptions(opts, headless)
	if err != nil {
		return nil, err
	}

	slog.Info("Launching browser", "exec_path", opts.ExecPath, "headless", headless)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...), "source", "chromedp") }),
	)

	c := &Client{
		bus:         console.NewBus(),
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
	}

	// The first Run starts the browser and binds its lifetime to tabCtx, so
	// it must not carry a deadline. Startup is bounded by WSURLReadTimeout.
	if err := chromedp.Run(tabCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	chromedp.ListenTarget(tabCtx, c.handleEvent)

	slog.Info("Browser ready")
	return c, nil
}

func allocatorOptions(opts config.BrowserOptions, headless bool) ([]chromedp.ExecAllocatorOption, error) {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	if !headless {
		out = append(out, chromedp.Flag("headless", false), chromedp.Flag("hide-scrollbars", false), chromedp.Flag("mute-audio", false))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		out = append(out, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.NoSandbox {
		out = append(out, chromedp.NoSandbox)
	}
	if opts.UserDataDir != "" {
		out = append(out, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.StartupTimeout > 0 {
		out = append(out, chromedp.WSURLReadTimeout(opts.StartupTimeout))
	}
	for _, arg := range opts.Args {
		name, value, err := splitArg(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, chromedp.Flag(name, value))
	}
	for name, value := range opts.Flags {
		switch v := value.(type) {
		case string, bool:
			out = append(out, chromedp.Flag(name, v))
		case nil:
			out = append(out, chromedp.Flag(name, true))
		default:
			out = append(out, chromedp.Flag(name, fmt.Sprint(v)))
		}
	}
	return out, nil
}

// splitArg turns "--name=value" into a chromedp flag. A bare "--name" is a
// boolean switch.
func splitArg(arg string) (string, any, error) {
	s := strings.TrimLeft(arg, "-")
	if s == "" || s == arg {
		return "", nil, fmt.Errorf("browser arg %q must start with --", arg)
	}
	if name, value, ok := strings.Cut(s, "="); ok {
		return name, value, nil
	}
	return s, true, nil
}

// handleEvent runs on chromedp's event loop and must not block.
func (c *Client) handleEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		c.bus.Publish(c.message(e))
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			slog.Warn("Uncaught exception in page", "error", e.ExceptionDetails.Error())
		}
	}
}

func (c *Client) message(e *runtime.EventConsoleAPICalled) console.Message {
	args := make([]console.Arg, len(e.Args))
	parts := make([]string, len(e.Args))
	for i, obj := range e.Args {
		a := NewRemoteArg(obj, c.callFunctionOn)
		args[i] = a
		parts[i] = a.String()
	}
	return console.Message{Type: string(e.Type), Text: strings.Join(parts, " "), Args: args}
}

func (c *Client) callFunctionOn(ctx context.Context, id runtime.RemoteObjectID) (*runtime.RemoteObject, error) {
	var res *runtime.RemoteObject
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		r, exc, err := runtime.CallFunctionOn("function() { return this; }").
			WithObjectID(id).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		res = r
		return nil
	}))
	return res, err
}

// Subscribe registers fn for every console message the page emits.
func (c *Client) Subscribe(fn func(console.Message)) func() {
	return c.bus.Subscribe(fn)
}

// Flush waits until every message published so far has been delivered.
func (c *Client) Flush(ctx context.Context) error {
	return c.bus.Flush(ctx)
}

// Navigate loads url and waits for the load event.
func (c *Client) Navigate(ctx context.Context, url string) error {
	slog.Info("Navigating", "url", url)
	if err := c.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Coverage reads the named window global as raw JSON. A missing global
// yields nil.
func (c *Client) Coverage(ctx context.Context, global string) ([]byte, error) {
	var raw []byte
	if err := c.run(ctx, chromedp.Evaluate(CoverageExpression(global), &raw)); err != nil {
		return nil, fmt.Errorf("read coverage global %s: %w", global, err)
	}
	return raw, nil
}

// Screenshot captures the viewport as PNG.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// run executes actions on the page, honouring ctx cancellation without
// tearing down the browser.
func (c *Client) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close shuts the browser down and drains pending console messages.
func (c *Client) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(c.ctx) }()
	var err error
	select {
	case err = <-done:
	case <-closeCtx.Done():
		err = closeCtx.Err()
	}
	c.cancel()
	c.allocCancel()
	c.bus.Close()

	slog.Info("Browser closed")
	return err
}

// CoverageExpression reads window.<global>, yielding undefined when any part
// of the path is missing.
func CoverageExpression(global string) string {
	return "(() => { try { return window." + global + "; } catch (e) { return undefined; } })()"
}
