package console

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultResolveTimeout = 5 * time.Second

// DefaultIgnore is the ignore list applied before caller patterns. The
// end-state pattern is always prepended on top of it.
var DefaultIgnore = []Pattern{}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	// Ignore patterns drop matching messages before any argument is resolved.
	Ignore []Pattern
	// OnlyMocha forwards only messages whose first argument is MochaConsole.
	OnlyMocha bool
	// Sink receives forwarded arguments. Defaults to stdout/stderr.
	Sink Sink
	// Observer, when set, sees every raw message before filtering.
	Observer func(Message)
	// ResolveTimeout bounds argument resolution per message.
	ResolveTimeout time.Duration
}

// Forwarder implements the console filter/forward policy.
type Forwarder struct {
	ignore         []Pattern
	onlyMocha      bool
	sink           Sink
	observer       func(Message)
	resolveTimeout time.Duration
}

// NewForwarder builds a forwarder from opts.
func NewForwarder(opts ForwarderOptions) *Forwarder {
	ignore := make([]Pattern, 0, 1+len(DefaultIgnore)+len(opts.Ignore))
	ignore = append(ignore, MochaEndState)
	ignore = append(ignore, DefaultIgnore...)
	ignore = append(ignore, opts.Ignore...)

	f := &Forwarder{
		ignore:         ignore,
		onlyMocha:      opts.OnlyMocha,
		sink:           opts.Sink,
		observer:       opts.Observer,
		resolveTimeout: opts.ResolveTimeout,
	}
	if f.sink == nil {
		f.sink = NewConsoleSink(os.Stdout, os.Stderr)
	}
	if f.resolveTimeout <= 0 {
		f.resolveTimeout = defaultResolveTimeout
	}
	return f
}

// Attach subscribes the observer (if any) and the filter to src as two
// independent subscribers. The returned function removes both.
func (f *Forwarder) Attach(src Source) func() {
	var unsubs []func()
	if f.observer != nil {
		unsubs = append(unsubs, src.Subscribe(f.observer))
	}
	unsubs = append(unsubs, src.Subscribe(func(msg Message) {
		ctx, cancel := context.WithTimeout(context.Background(), f.resolveTimeout)
		defer cancel()
		f.Handle(ctx, msg)
	}))
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle applies the filter to msg and forwards it when it survives. It
// reports whether anything reached the sink.
func (f *Forwarder) Handle(ctx context.Context, msg Message) bool {
	for _, p := range f.ignore {
		if p.Match(msg.Text) {
			return false
		}
	}

	args := resolveArgs(ctx, msg.Args)
	if len(args) == 0 {
		return false
	}

	first, _ := args[0].(string)
	if f.onlyMocha && first != MochaConsole {
		return false
	}
	if first == MochaConsole {
		args = args[1:]
	}

	f.sink.Emit(LevelFor(msg.Type), args)
	return true
}

// resolveArgs resolves every argument concurrently, keeping call order. An
// argument that fails to resolve is replaced by its description.
func resolveArgs(ctx context.Context, in []Arg) []any {
	out := make([]any, len(in))
	g, gctx := errgroup.WithContext(ctx)
	for i, arg := range in {
		g.Go(func() error {
			v, err := arg.JSONValue(gctx)
			if err != nil {
				slog.Debug("console arg resolve failed", "index", i, "error", err)
				out[i] = arg.String()
				return nil
			}
			out[i] = v
			return nil
		})
	}
	_ = g.Wait()
	return out
}
