package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestRegistryEmpty(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", healthy)
	r.Register("clock", func(context.Context) Status {
		return Status{Healthy: true, Detail: "ok"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "ledger", statuses[0].Name)
	assert.Equal(t, "clock", statuses[1].Name)
	assert.Equal(t, "ok", statuses[1].Detail)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", healthy)
	r.Register("clock", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryNameComesFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", func(context.Context) Status {
		return Status{Name: "something else", Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "ledger", statuses[0].Name)
}

func TestRegistryReRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("timer", func(context.Context) Status { return Status{Healthy: false} })
	r.Register("timer", healthy)

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	assert.Len(t, statuses, 1)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("stuck", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "check timed out", statuses[0].Detail)
}

func TestRegistryPanicIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(context.Context) Status { panic("nil store") })

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Contains(t, statuses[0].Detail, "nil store")
}

func TestRegistryChecksRunConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) Status {
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Register(name, slow)
	}

	start := time.Now()
	ok, _ := r.CheckAll(context.Background())
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register(string(rune('a'+i)), healthy)
		}(i)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 20)
}
