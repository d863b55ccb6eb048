package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_Increment(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*Memory)
		key    string
		window time.Duration
		want   int64
	}{
		{
			name:   "first increment creates new entry",
			key:    "rate:discord:u1:web_search:2025-01-01:10",
			window: time.Hour,
			want:   1,
		},
		{
			name: "increment existing key",
			setup: func(m *Memory) {
				m.counters["rate:k"] = &counterEntry{
					count:      5,
					expiration: time.Now().Add(time.Minute),
				}
			},
			key:    "rate:k",
			window: time.Minute,
			want:   6,
		},
		{
			name: "increment expired key resets counter",
			setup: func(m *Memory) {
				m.counters["rate:k"] = &counterEntry{
					count:      10,
					expiration: time.Now().Add(-time.Second),
				}
			},
			key:    "rate:k",
			window: time.Minute,
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			got, ttl, err := m.Increment(context.Background(), tt.key, tt.window)
			if err != nil {
				t.Fatalf("Increment() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Increment() count = %d, want %d", got, tt.want)
			}
			if ttl <= 0 || ttl > tt.window {
				t.Errorf("Increment() ttl = %v, want in (0, %v]", ttl, tt.window)
			}
		})
	}
}

func TestMemory_GetCount(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if got, _ := m.GetCount(ctx, "missing"); got != 0 {
		t.Errorf("GetCount(missing) = %d, want 0", got)
	}

	m.Increment(ctx, "k", time.Minute)
	m.Increment(ctx, "k", time.Minute)

	if got, _ := m.GetCount(ctx, "k"); got != 2 {
		t.Errorf("GetCount(k) = %d, want 2", got)
	}

	m.counters["stale"] = &counterEntry{count: 7, expiration: time.Now().Add(-time.Second)}
	if got, _ := m.GetCount(ctx, "stale"); got != 0 {
		t.Errorf("GetCount(stale) = %d, want 0", got)
	}
}

func TestMemory_Reset(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Increment(ctx, "k", time.Minute)
	if err := m.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got, _ := m.GetCount(ctx, "k"); got != 0 {
		t.Errorf("GetCount after Reset = %d, want 0", got)
	}
}

func TestMemory_Blobs(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, ok, _ := m.GetBytes(ctx, "missing"); ok {
		t.Error("GetBytes(missing) ok = true, want false")
	}

	if err := m.SetBytes(ctx, "conv:u1", []byte(`[{"role":"user"}]`), time.Minute); err != nil {
		t.Fatalf("SetBytes() error = %v", err)
	}

	val, ok, err := m.GetBytes(ctx, "conv:u1")
	if err != nil || !ok {
		t.Fatalf("GetBytes() = %v, %v, %v", val, ok, err)
	}
	if string(val) != `[{"role":"user"}]` {
		t.Errorf("GetBytes() value = %q", val)
	}

	m.blobs["stale"] = &blobEntry{value: []byte("x"), expiration: time.Now().Add(-time.Second)}
	if _, ok, _ := m.GetBytes(ctx, "stale"); ok {
		t.Error("GetBytes(stale) ok = true, want false")
	}

	if err := m.Delete(ctx, "conv:u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := m.GetBytes(ctx, "conv:u1"); ok {
		t.Error("GetBytes after Delete ok = true, want false")
	}
}

func TestMemory_ConcurrentIncrement(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			m.Increment(ctx, "concurrent", time.Minute)
		}()
	}
	wg.Wait()

	if got, _ := m.GetCount(ctx, "concurrent"); got != goroutines {
		t.Errorf("GetCount after concurrent increments = %d, want %d", got, goroutines)
	}
}
