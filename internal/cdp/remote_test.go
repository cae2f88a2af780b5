package cdp

import (
	"context"
	"errors"
	"math"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/browsersuite/internal/config"
	"github.com/dgnsrekt/browsersuite/internal/console"
)

func TestRemoteArgJSONValue(t *testing.T) {
	tests := []struct {
		name string
		obj  *runtime.RemoteObject
		want any
	}{
		{name: "string", obj: &runtime.RemoteObject{Type: runtime.TypeString, Value: []byte(`"[MOCHA]"`)}, want: "[MOCHA]"},
		{name: "number", obj: &runtime.RemoteObject{Type: runtime.TypeNumber, Value: []byte(`3`), Description: "3"}, want: 3.0},
		{name: "undefined", obj: &runtime.RemoteObject{Type: runtime.TypeUndefined}, want: console.Undefined},
		{name: "infinity", obj: &runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "Infinity"}, want: math.Inf(1)},
		{name: "bigint", obj: &runtime.RemoteObject{Type: runtime.TypeBigint, UnserializableValue: "12n"}, want: "12n"},
		{name: "null", obj: &runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeNull}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRemoteArg(tt.obj, nil).JSONValue(context.Background())
			if err != nil {
				t.Fatalf("JSONValue() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("JSONValue() = %#v; want %#v", got, tt.want)
			}
		})
	}
}

func TestRemoteArgFetchesObjects(t *testing.T) {
	obj := &runtime.RemoteObject{Type: runtime.TypeObject, ObjectID: "obj-1", Description: "Object"}

	var asked runtime.RemoteObjectID
	fetch := func(_ context.Context, id runtime.RemoteObjectID) (*runtime.RemoteObject, error) {
		asked = id
		return &runtime.RemoteObject{Type: runtime.TypeObject, Value: []byte(`{"passes":2}`)}, nil
	}

	got, err := NewRemoteArg(obj, fetch).JSONValue(context.Background())
	if err != nil {
		t.Fatalf("JSONValue() error = %v", err)
	}
	if asked != "obj-1" {
		t.Fatalf("fetched id = %q; want obj-1", asked)
	}
	if !reflect.DeepEqual(got, map[string]any{"passes": 2.0}) {
		t.Fatalf("JSONValue() = %#v", got)
	}

	failing := func(context.Context, runtime.RemoteObjectID) (*runtime.RemoteObject, error) {
		return nil, errors.New("target closed")
	}
	if _, err := NewRemoteArg(obj, failing).JSONValue(context.Background()); err == nil {
		t.Fatal("JSONValue() error = nil; want fetch error")
	}
	if got := NewRemoteArg(obj, failing).String(); got != "Object" {
		t.Fatalf("String() = %q; want description", got)
	}
}

func TestMessageText(t *testing.T) {
	c := &Client{}
	msg := c.message(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeWarning,
		Args: []*runtime.RemoteObject{
			{Type: runtime.TypeString, Value: []byte(`"[MOCHA]"`)},
			{Type: runtime.TypeString, Value: []byte(`"slow"`)},
			{Type: runtime.TypeNumber, Value: []byte(`12`), Description: "12"},
			{Type: runtime.TypeUndefined},
		},
	})
	if msg.Type != "warning" {
		t.Fatalf("Type = %q; want warning", msg.Type)
	}
	if want := "[MOCHA] slow 12 undefined"; msg.Text != want {
		t.Fatalf("Text = %q; want %q", msg.Text, want)
	}
	if len(msg.Args) != 4 {
		t.Fatalf("len(Args) = %d; want 4", len(msg.Args))
	}
}

func TestSplitArg(t *testing.T) {
	tests := []struct {
		arg     string
		name    string
		value   any
		wantErr bool
	}{
		{arg: "--lang=en-US", name: "lang", value: "en-US"},
		{arg: "--disable-gpu", name: "disable-gpu", value: true},
		{arg: "--js-flags=--expose-gc", name: "js-flags", value: "--expose-gc"},
		{arg: "lang=en", wantErr: true},
		{arg: "--", wantErr: true},
	}
	for _, tt := range tests {
		name, value, err := splitArg(tt.arg)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("splitArg(%q) error = nil; want error", tt.arg)
			}
			continue
		}
		if err != nil || name != tt.name || value != tt.value {
			t.Fatalf("splitArg(%q) = %q, %v, %v; want %q, %v", tt.arg, name, value, err, tt.name, tt.value)
		}
	}
}

func TestAllocatorOptionsRejectsBadArg(t *testing.T) {
	_, err := allocatorOptions(config.BrowserOptions{Args: []string{"lang=en"}}, true)
	if err == nil {
		t.Fatal("allocatorOptions() error = nil; want error")
	}
	opts, err := allocatorOptions(config.BrowserOptions{
		Args:  []string{"--lang=en"},
		Flags: map[string]any{"remote-debugging-port": 9333},
	}, false)
	if err != nil {
		t.Fatalf("allocatorOptions() error = %v", err)
	}
	if len(opts) == 0 {
		t.Fatal("allocatorOptions() returned no options")
	}
}

func TestLaunchConsoleRoundTrip(t *testing.T) {
	bin := os.Getenv("CHROME_BIN")
	if bin == "" {
		t.Skip("CHROME_BIN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c, err := Launch(ctx, config.BrowserOptions{ExecPath: bin, StartupTimeout: 30 * time.Second}, true)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer c.Close()

	w := console.WaitForMessage(c, console.Literal(console.MochaPassed), console.Literal(console.MochaFailed))
	page := `data:text/html,<script>console.log("` + console.MochaPassed + `")</script>`
	if err := c.Navigate(ctx, page); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	text, err := w.Wait(ctx)
	if err != nil || text != console.MochaPassed {
		t.Fatalf("Wait() = %q, %v", text, err)
	}
	raw, err := c.Coverage(ctx, "__coverage__")
	if err != nil || raw != nil {
		t.Fatalf("Coverage() = %s, %v; want nil", raw, err)
	}
}
