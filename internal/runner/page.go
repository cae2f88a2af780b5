package runner

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/browsersuite/internal/cdp"
	"github.com/dgnsrekt/browsersuite/internal/cdpcontrol"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
)

// Page is the browser page a suite runs in. Both engines implement it.
type Page interface {
	console.Source
	Flush(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Coverage(ctx context.Context, global string) ([]byte, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Engine opens a Page in a browser configured by opts.
type Engine func(ctx context.Context, opts config.BrowserOptions, headless bool) (Page, error)

var (
	_ Page = (*cdp.Client)(nil)
	_ Page = (*cdpcontrol.Client)(nil)
)

func launchChromedp(ctx context.Context, opts config.BrowserOptions, headless bool) (Page, error) {
	c, err := cdp.Launch(ctx, opts, headless)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func attachCDP(ctx context.Context, opts config.BrowserOptions, headless bool) (Page, error) {
	c, err := cdpcontrol.Attach(ctx, opts, headless)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EngineFor returns the engine registered under name.
func EngineFor(name string) (Engine, error) {
	switch name {
	case config.EngineChromedp, "":
		return launchChromedp, nil
	case config.EngineCDP:
		return attachCDP, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", name)
	}
}
