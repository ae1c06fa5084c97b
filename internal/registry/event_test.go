package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventAccessors(t *testing.T) {
	ev := Event{Data: map[string]any{
		"amount":         12.5,
		"amount_str":     "3.10",
		"transaction_id": "tx_1",
		"count":          float64(4),
		"bad":            []int{1},
	}}

	d, ok := ev.Decimal("amount")
	assert.True(t, ok)
	assert.Equal(t, "12.50", d.StringFixed(2))

	d, ok = ev.Decimal("amount_str")
	assert.True(t, ok)
	assert.Equal(t, "3.10", d.StringFixed(2))

	_, ok = ev.Decimal("missing")
	assert.False(t, ok)
	_, ok = ev.Decimal("bad")
	assert.False(t, ok)

	assert.Equal(t, "tx_1", ev.String("transaction_id"))
	assert.Equal(t, "", ev.String("missing"))
	assert.Equal(t, int64(4), ev.Int("count", 1))
	assert.Equal(t, int64(1), ev.Int("missing", 1))
}
