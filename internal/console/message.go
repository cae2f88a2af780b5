// Package console models browser console output as an ordered message
// stream and provides the two subscribers the runner hangs off it: the
// completion watcher and the filter/forwarder.
package console

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Sentinels written by the in-page reporter helper. They must match the
// strings emitted by mocha-console.js exactly.
const (
	MochaConsole = "[MOCHA]"
	MochaPassed  = "[MOCHA_END_PASSED]"
	MochaFailed  = "[MOCHA_END_FAILED]"
)

// MochaEndState matches any end-of-run marker.
var MochaEndState = MustCompile(`^\[MOCHA_END`)

// Message is one console API call observed on the remote page.
type Message struct {
	// Type is the console API type as reported by CDP ("log", "warning",
	// "error", "info", "debug", ...).
	Type string
	// Text is the space-joined rendering of Args.
	Text string
	Args []Arg
}

// Arg is a console call argument whose JSON value may need a round trip to
// the page to resolve.
type Arg interface {
	JSONValue(ctx context.Context) (any, error)
	// String is the description used when the value cannot be resolved.
	String() string
}

type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined stands in for a JavaScript undefined argument value.
var Undefined any = undefinedValue{}

type valueArg struct{ v any }

// Value wraps an already resolved value as an Arg.
func Value(v any) Arg { return valueArg{v: v} }

func (a valueArg) JSONValue(context.Context) (any, error) { return a.v, nil }

func (a valueArg) String() string { return inspect(a.v, false) }

// NewMessage builds a message from resolved values, deriving Text the way the
// engines do.
func NewMessage(typ string, values ...any) Message {
	args := make([]Arg, len(values))
	parts := make([]string, len(values))
	for i, v := range values {
		args[i] = Value(v)
		parts[i] = args[i].String()
	}
	return Message{Type: typ, Text: strings.Join(parts, " "), Args: args}
}

// Pattern matches message text.
type Pattern interface {
	Match(text string) bool
	String() string
}

type literalPattern string

func (p literalPattern) Match(text string) bool { return strings.Contains(text, string(p)) }
func (p literalPattern) String() string         { return string(p) }

type regexpPattern struct{ re *regexp.Regexp }

func (p regexpPattern) Match(text string) bool { return p.re.MatchString(text) }
func (p regexpPattern) String() string         { return "/" + p.re.String() + "/" }

// Literal matches text containing s.
func Literal(s string) Pattern { return literalPattern(s) }

// Regexp matches text against re.
func Regexp(re *regexp.Regexp) Pattern { return regexpPattern{re: re} }

// MustCompile is Regexp(regexp.MustCompile(expr)).
func MustCompile(expr string) Pattern { return Regexp(regexp.MustCompile(expr)) }

// ParsePattern reads a pattern from configuration. "/expr/" is compiled as a
// regular expression, anything else is a literal substring.
func ParsePattern(s string) (Pattern, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("console pattern %q: %w", s, err)
		}
		return Regexp(re), nil
	}
	if s == "" {
		return nil, fmt.Errorf("console pattern: empty")
	}
	return Literal(s), nil
}

// ParsePatterns parses every entry with ParsePattern.
func ParsePatterns(in []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(in))
	for _, s := range in {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LevelFor maps a console API type to the local sink level.
func LevelFor(typ string) string {
	if typ == "warning" {
		return "warn"
	}
	return typ
}
