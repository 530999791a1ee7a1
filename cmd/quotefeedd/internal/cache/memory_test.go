package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
)

func TestMemory_SetGet(t *testing.T) {
	m := cache.NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	b, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v; want value", b, ok, err)
	}
	if string(b) != "v" {
		t.Errorf("Expected v, got %s", b)
	}
}

func TestMemory_ExpiredBehavesLikeMissing(t *testing.T) {
	m := cache.NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Error("Expired entry should read as absent")
	}
	if m.Len() != 0 {
		t.Errorf("Expected lazy reclaim, Len = %d", m.Len())
	}
}

func TestMemory_Delete(t *testing.T) {
	m := cache.NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)
	m.Delete(ctx, "k")

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("Deleted entry should be absent")
	}
}

func TestMemory_Janitor(t *testing.T) {
	m := cache.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Set(ctx, "short", []byte("v"), 5*time.Millisecond)
	m.Set(ctx, "long", []byte("v"), time.Minute)

	go m.Janitor(ctx, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if m.Len() != 1 {
		t.Errorf("Janitor should have swept the expired entry, Len = %d", m.Len())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m := cache.NewMemory()
	ctx := context.Background()

	type payload struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}

	if err := cache.SetJSON(ctx, m, "p", payload{Name: "x", Value: 1.5}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	got, ok, err := cache.GetJSON[payload](ctx, m, "p")
	if err != nil || !ok {
		t.Fatalf("GetJSON = %+v, %v, %v", got, ok, err)
	}
	if got.Name != "x" || got.Value != 1.5 {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestGetJSON_CorruptEntryDropped(t *testing.T) {
	m := cache.NewMemory()
	ctx := context.Background()

	m.Set(ctx, "bad", []byte("{not-json"), time.Minute)

	_, ok, err := cache.GetJSON[map[string]string](ctx, m, "bad")
	if err != nil {
		t.Fatalf("Corrupt entry should not surface an error: %v", err)
	}
	if ok {
		t.Error("Corrupt entry should be reported absent")
	}
	if _, present, _ := m.Get(ctx, "bad"); present {
		t.Error("Corrupt entry should have been deleted")
	}
}
