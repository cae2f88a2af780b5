package console

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Format renders console arguments the way Node's console does: a leading
// string may carry %s %d %i %f %j %o %O %c substitutions, the remaining
// arguments are appended separated by spaces.
func Format(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	rest := args
	if f, ok := args[0].(string); ok {
		rest = args[1:]
		rest = substitute(&b, f, rest)
	} else {
		b.WriteString(inspect(args[0], false))
		rest = args[1:]
	}
	for _, a := range rest {
		b.WriteByte(' ')
		b.WriteString(inspect(a, false))
	}
	return b.String()
}

func substitute(b *strings.Builder, f string, args []any) []any {
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '%' || i+1 == len(f) {
			b.WriteByte(c)
			continue
		}
		verb := f[i+1]
		if verb == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if !strings.ContainsRune("sdifjoOc", rune(verb)) || len(args) == 0 {
			b.WriteByte(c)
			continue
		}
		arg := args[0]
		args = args[1:]
		i++
		switch verb {
		case 's':
			if s, ok := arg.(string); ok {
				b.WriteString(s)
			} else {
				b.WriteString(inspect(arg, false))
			}
		case 'd':
			b.WriteString(formatNumber(toNumber(arg)))
		case 'i':
			n := toNumber(arg)
			if !math.IsNaN(n) && !math.IsInf(n, 0) {
				n = math.Trunc(n)
			}
			b.WriteString(formatNumber(n))
		case 'f':
			b.WriteString(formatNumber(toNumber(arg)))
		case 'j':
			raw, err := json.Marshal(arg)
			if err != nil {
				b.WriteString("[Circular]")
			} else {
				b.Write(raw)
			}
		case 'o', 'O':
			b.WriteString(inspect(arg, true))
		case 'c':
		}
	}
	return args
}

func toNumber(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return n
	case nil:
		return 0
	}
	return math.NaN()
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// inspect renders a resolved value. Nested strings are quoted like Node's
// util.inspect, top-level ones are written verbatim.
func inspect(v any, nested bool) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return x.String()
	case string:
		if nested {
			return strconv.Quote(x)
		}
		return x
	case float64:
		return formatNumber(x)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Sink receives forwarded console output.
type Sink interface {
	Emit(level string, args []any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(level string, args []any)

func (f SinkFunc) Emit(level string, args []any) { f(level, args) }

// ConsoleSink writes formatted lines to the local terminal. Warnings,
// errors, traces and assertions go to stderr like Node's console.
type ConsoleSink struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleSink returns a sink writing to stdout and stderr.
func NewConsoleSink(stdout, stderr io.Writer) *ConsoleSink {
	return &ConsoleSink{stdout: stdout, stderr: stderr}
}

func (s *ConsoleSink) Emit(level string, args []any) {
	w := s.stdout
	switch level {
	case "warn", "error", "trace", "assert":
		w = s.stderr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(w, Format(args)+"\n")
}
