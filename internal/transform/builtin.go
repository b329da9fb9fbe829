package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/roach88/recsync/internal/record"
)

// Pair is a named converter in both directions.
type Pair struct {
	ToLocal  Converter
	ToRemote Converter
}

// RemoteTimeLayout is the timestamp layout used on the wire.
const RemoteTimeLayout = "2006-01-02 15:04:05.000Z"

var builtins = map[string]Pair{
	"time":    {ToLocal: parseTime, ToRemote: formatTime},
	"unix_ms": {ToLocal: parseUnixMillis, ToRemote: formatUnixMillis},
	"bool":    {ToLocal: parseBool, ToRemote: identity},
	"int":     {ToLocal: parseInt, ToRemote: identity},
	"json":    {ToLocal: parseJSON, ToRemote: formatJSON},
}

// Lookup returns the built-in converter pair registered under name.
func Lookup(name string) (Pair, bool) {
	p, ok := builtins[name]
	return p, ok
}

// Names lists the built-in converter names.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func identity(v any) (any, error) { return v, nil }

func parseTime(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return val, nil
	case string:
		if val == "" {
			return nil, nil
		}
		for _, layout := range []string{RemoteTimeLayout, time.RFC3339Nano, time.DateTime} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unrecognized time %q", val)
	}
	return nil, fmt.Errorf("time: unsupported type %T", v)
}

func formatTime(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return val.UTC().Format(RemoteTimeLayout), nil
	case string:
		return val, nil
	}
	return nil, fmt.Errorf("time: unsupported type %T", v)
}

func parseUnixMillis(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("unix_ms: %w", err)
	}
	return time.UnixMilli(n).UTC(), nil
}

func formatUnixMillis(v any) (any, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UnixMilli(), nil
	case nil:
		return nil, nil
	}
	return toInt64(v)
}

func parseBool(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("bool: %w", err)
		}
		return b, nil
	case float64:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case int:
		return val != 0, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("bool: %w", err)
		}
		return f != 0, nil
	}
	return nil, fmt.Errorf("bool: unsupported type %T", v)
}

func parseInt(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("int: %w", err)
	}
	return n, nil
}

func parseJSON(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if s == "" {
		return nil, nil
	}
	var out any
	if err := record.DecodeJSON([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return out, nil
}

func formatJSON(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return string(b), nil
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("non-integral number %v", val)
		}
		return int64(val), nil
	case json.Number:
		return val.Int64()
	case string:
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
