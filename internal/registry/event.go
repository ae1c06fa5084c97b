package registry

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// String returns Data[key] as a string, or "" when absent.
func (e Event) String(key string) string {
	switch v := e.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Decimal returns Data[key] as a decimal. JSON numbers and numeric strings
// are accepted; ok is false when the value is absent or not a number.
func (e Event) Decimal(key string) (d decimal.Decimal, ok bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// Int returns Data[key] as an integer, or def.
func (e Event) Int(key string, def int64) int64 {
	switch v := e.Data[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
