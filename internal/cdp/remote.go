package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/browsersuite/internal/console"
)

// ValueFunc fetches the JSON value of a remote object by id.
type ValueFunc func(ctx context.Context, id runtime.RemoteObjectID) (*runtime.RemoteObject, error)

// RemoteArg is a console argument backed by a CDP RemoteObject.
type RemoteArg struct {
	obj   *runtime.RemoteObject
	value ValueFunc
}

// NewRemoteArg wraps obj. value is used for objects passed by reference and
// may be nil when the caller cannot reach the page.
func NewRemoteArg(obj *runtime.RemoteObject, value ValueFunc) RemoteArg {
	return RemoteArg{obj: obj, value: value}
}

var errNoValue = errors.New("remote object has no value")

// JSONValue resolves the argument to a Go value as encoding/json would
// decode it. Unserializable numbers become float64 where possible.
func (a RemoteArg) JSONValue(ctx context.Context) (any, error) {
	return decodeRemote(ctx, a.obj, a.value)
}

func decodeRemote(ctx context.Context, obj *runtime.RemoteObject, value ValueFunc) (any, error) {
	switch {
	case obj == nil:
		return nil, errNoValue
	case obj.Type == runtime.TypeUndefined:
		return console.Undefined, nil
	case obj.UnserializableValue != "":
		s := string(obj.UnserializableValue)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil
	case obj.Value != nil:
		var v any
		if err := json.Unmarshal([]byte(obj.Value), &v); err != nil {
			return nil, err
		}
		return v, nil
	case obj.ObjectID != "" && value != nil:
		res, err := value(ctx, obj.ObjectID)
		if err != nil {
			return nil, err
		}
		if res.ObjectID != "" {
			return nil, errNoValue
		}
		return decodeRemote(ctx, res, nil)
	case obj.Subtype == runtime.SubtypeNull:
		return nil, nil
	}
	return nil, errNoValue
}

// String is the text a console would show for the argument without
// fetching it.
func (a RemoteArg) String() string {
	obj := a.obj
	switch {
	case obj == nil:
		return ""
	case obj.Type == runtime.TypeUndefined:
		return "undefined"
	case obj.UnserializableValue != "":
		return string(obj.UnserializableValue)
	case obj.Type == runtime.TypeString && obj.Value != nil:
		var s string
		if json.Unmarshal([]byte(obj.Value), &s) == nil {
			return s
		}
	case obj.Value != nil && obj.Description == "":
		return string(obj.Value)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}
