package repository

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"gorm.io/datatypes"

	"github.com/noah-isme/polymath-api/internal/backend"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	jsonMapType = reflect.TypeOf(datatypes.JSONMap{})
)

// sqlite renders timestamps without the T separator when they round-trip as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// DecodeRow maps a backend row onto a struct using its mapstructure tags.
// Driver-specific representations of numbers, booleans, timestamps and JSON
// columns are normalised on the way.
func DecodeRow(row backend.Row, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decodeTimeHook,
			decodeJSONMapHook,
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]interface{}(row))
}

func decodeTimeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != timeType {
		return data, nil
	}

	var raw string
	switch v := data.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return time.Time{}, nil
	default:
		return data, nil
	}

	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", raw)
}

func decodeJSONMapHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != jsonMapType {
		return data, nil
	}

	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return datatypes.JSONMap{}, nil
	default:
		return data, nil
	}
	if len(raw) == 0 {
		return datatypes.JSONMap{}, nil
	}

	decoded := datatypes.JSONMap{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return decoded, nil
}
