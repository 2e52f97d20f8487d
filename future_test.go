package tensorpipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureSettlesOnce(t *testing.T) {
	fut := NewFuture[int]()
	if fut.HasResult() {
		t.Fatal("new future already has a result")
	}
	if _, err := fut.Result(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Result on pending future: got %v, want ErrNotReady", err)
	}

	if !fut.SetResult(42, nil) {
		t.Fatal("first SetResult reported no effect")
	}
	if fut.SetResult(99, errors.New("too late")) {
		t.Fatal("second SetResult reported effect")
	}

	result, err := fut.Result()
	if err != nil || result != 42 {
		t.Fatalf("Result: got (%d, %v), want (42, nil)", result, err)
	}
}

func TestFutureConcurrentSettle(t *testing.T) {
	fut := NewFuture[int]()

	const goroutines = 16
	var wg sync.WaitGroup
	var won sync.Map
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if fut.SetResult(i, nil) {
				won.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	var winners int
	won.Range(func(_, _ any) bool {
		winners++
		return true
	})
	if winners != 1 {
		t.Fatalf("got %d settling calls, want exactly 1", winners)
	}

	result, err := fut.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if _, ok := won.Load(result); !ok {
		t.Fatalf("result %d does not match the winning goroutine", result)
	}
}

func TestFutureWaitContext(t *testing.T) {
	fut := NewFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on pending future: got %v, want deadline exceeded", err)
	}

	// context cancellation does not settle the future
	if fut.HasResult() {
		t.Fatal("future settled by context cancellation")
	}

	go fut.SetResult(7, nil)
	result, err := fut.Wait(context.Background())
	if err != nil || result != 7 {
		t.Fatalf("Wait: got (%d, %v), want (7, nil)", result, err)
	}
}

func TestFutureCallbacks(t *testing.T) {
	fut := NewFuture[string]()

	var order []string
	fut.AddResultCallback(func(result string, err error) {
		order = append(order, "first:"+result)
	})
	fut.AddResultCallback(func(result string, err error) {
		order = append(order, "second:"+result)
	})
	fut.SetResult("x", nil)

	// registering after settling runs immediately
	fut.AddResultCallback(func(result string, err error) {
		order = append(order, "late:"+result)
	})

	want := []string{"first:x", "second:x", "late:x"}
	if len(order) != len(want) {
		t.Fatalf("callback order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order %v, want %v", order, want)
		}
	}
}

func TestWaitAll(t *testing.T) {
	futs := make([]*Future[int], 5)
	waiters := make([]Waiter, 5)
	for i := range futs {
		futs[i] = NewFuture[int]()
		waiters[i] = futs[i]
	}

	failure := errors.New("unit 3 failed")
	go func() {
		for i, fut := range futs {
			if i == 3 {
				fut.SetResult(0, failure)
			} else {
				fut.SetResult(i, nil)
			}
		}
	}()

	if err := WaitAll(context.Background(), waiters...); !errors.Is(err, failure) {
		t.Fatalf("WaitAll: got %v, want %v", err, failure)
	}
}
