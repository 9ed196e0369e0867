package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBuffer_FIFO(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 3; i++ {
		if err := b.Write(i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for want := 1; want <= 3; want++ {
		got, ok := b.Read()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := b.Read(); ok {
		t.Error("expected empty buffer")
	}
}

func TestBuffer_DropOldest(t *testing.T) {
	var dropped []int
	b := New(4, WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))

	for i := 1; i <= 10; i++ {
		if err := b.Write(i); err != nil {
			t.Fatal(err)
		}
	}

	got := b.ReadBatch(10)
	want := []int{7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	if len(dropped) != 6 || dropped[0] != 1 || dropped[5] != 6 {
		t.Errorf("unexpected dropped items %v", dropped)
	}
	if b.Stats().Drops != 6 {
		t.Errorf("expected 6 drops, got %d", b.Stats().Drops)
	}
}

func TestBuffer_DropNewest(t *testing.T) {
	b := New(2, WithOverflowPolicy[int](DropNewest))
	for i := 1; i <= 5; i++ {
		_ = b.Write(i)
	}
	got := b.ReadBatch(5)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
	if b.Stats().Drops != 3 {
		t.Errorf("expected 3 drops, got %d", b.Stats().Drops)
	}
}

func TestBuffer_Reject(t *testing.T) {
	b := New(1, WithOverflowPolicy[int](Reject))
	if err := b.Write(1); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(2); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestBuffer_Close(t *testing.T) {
	b := New[int](2)
	_ = b.Write(1)
	b.Close()
	b.Close()

	if err := b.Write(2); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	v, err := b.ReadContext(context.Background())
	if err != nil || v != 1 {
		t.Errorf("queued item should survive close, got %d %v", v, err)
	}
	if _, err := b.ReadContext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBuffer_ReadContext(t *testing.T) {
	b := New[string](4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Write("event")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := b.ReadContext(ctx)
	if err != nil || v != "event" {
		t.Fatalf("expected event, got %q %v", v, err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.ReadContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	b := New[int](1000)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = b.Write(i)
			}
		}()
	}
	wg.Wait()
	if b.Size() != 1000 {
		t.Errorf("expected 1000 items, got %d", b.Size())
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want OverflowPolicy
		ok   bool
	}{
		{"", DropOldest, true},
		{"drop-oldest", DropOldest, true},
		{"drop-newest", DropNewest, true},
		{"disconnect", Reject, true},
		{"block", DropOldest, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePolicy(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, ok)
			}
			if ok && tt.in != "" && got.String() != tt.in {
				t.Errorf("round trip: %q != %q", got.String(), tt.in)
			}
		})
	}
}
