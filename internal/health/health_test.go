package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll_OrderAndFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", ok)
	r.Register("settings", func(context.Context) error { return errors.New("connection refused") })
	r.Register("providers", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "settings", statuses[1].Name)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
	assert.Equal(t, "providers", statuses[2].Name)
}

func TestCheckAll_ProbeTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline exceeded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry(time.Second)
	release := make(chan struct{})
	r.Register("a", func(context.Context) error { <-release; return nil })
	r.Register("b", func(context.Context) error { close(release); return nil })

	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
}
