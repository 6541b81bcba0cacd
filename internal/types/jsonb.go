package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

var (
	_ sql.Scanner   = (*BatchOptions)(nil)
	_ driver.Valuer = BatchOptions(nil)
	_ sql.Scanner   = (*ItemList)(nil)
	_ driver.Valuer = ItemList(nil)
)

// scanJSONB scans a JSONB column into dest. It accepts the []byte and string
// representations returned by different drivers and treats NULL as a no-op.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ---------------------------------------------------------------------------
// BatchOptions
// ---------------------------------------------------------------------------

// BatchOptions is the free-form configuration bag interpreted by the
// collaborator a batch drives (e.g. "template", "channel", "locale").
type BatchOptions map[string]any

// Scan implements sql.Scanner.
func (o *BatchOptions) Scan(value interface{}) error {
	return scanJSONB(o, value)
}

// Value implements driver.Valuer.
func (o BatchOptions) Value() (driver.Value, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return valueJSONB(map[string]any(o))
}

// String returns the option as a string. Non-string values are formatted.
func (o BatchOptions) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the option as an int, or def when absent or not numeric.
// JSON numbers decode as float64, so both representations are accepted.
func (o BatchOptions) Int(key string, def int) int {
	switch v := o[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Duration returns the option parsed as a Go duration string, or def.
func (o BatchOptions) Duration(key string, def time.Duration) time.Duration {
	s := o.String(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ---------------------------------------------------------------------------
// ItemList
// ---------------------------------------------------------------------------

// ItemList is the JSONB representation of a batch's ordered work units.
type ItemList []string

// Scan implements sql.Scanner.
func (l *ItemList) Scan(value interface{}) error {
	return scanJSONB(l, value)
}

// Value implements driver.Valuer. A nil list is stored as an empty array.
func (l ItemList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return valueJSONB([]string(l))
}
