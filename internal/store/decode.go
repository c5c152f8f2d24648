package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

var timeFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Decode 将文档解码到结构体（按 json tag），数字和字符串之间宽松转换
func Decode(doc Document, out any) error {
	config := &mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(timeHook, timePointerHook),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(doc)); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// As decodes a document into a new T.
func As[T any](doc Document) (T, error) {
	var out T
	err := Decode(doc, &out)
	return out, err
}

// timeHook 处理 string / epoch millis -> time.Time 转换
func timeHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}

	if t, ok := parseTime(data); ok {
		return t, nil
	}
	if _, ok := data.(string); ok {
		return data, fmt.Errorf("unable to parse time: %v", data)
	}
	return data, nil
}

// timePointerHook 处理 string / epoch millis -> *time.Time 转换
func timePointerHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf((*time.Time)(nil)) {
		return data, nil
	}

	if data == nil {
		return (*time.Time)(nil), nil
	}
	if t, ok := parseTime(data); ok {
		return &t, nil
	}
	if _, ok := data.(string); ok {
		return data, fmt.Errorf("unable to parse time pointer: %v", data)
	}
	return data, nil
}

// parseTime reads time.Time values, date strings and epoch milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, format := range timeFormats {
			if parsed, err := time.Parse(format, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	}
	return time.Time{}, false
}
