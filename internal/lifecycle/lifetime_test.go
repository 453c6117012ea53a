package lifecycle

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"managed-kvstore/internal/logging"
)

func TestTerminateReverseOrder(t *testing.T) {
	lt := New(logging.Nop())

	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		lt.OnTerminate(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := lt.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if want := []string{"C", "B", "A"}; !reflect.DeepEqual(order, want) {
		t.Errorf("teardown order = %v, want %v", order, want)
	}
	if lt.Status() != Terminated {
		t.Errorf("Status() = %v, want terminated", lt.Status())
	}
}

func TestTerminateContinuesAfterFailures(t *testing.T) {
	lt := New(logging.Nop())

	var ran []string
	lt.OnTerminate("first", func() error { ran = append(ran, "first"); return nil })
	lt.OnTerminate("failing", func() error { ran = append(ran, "failing"); return errors.New("flush failed") })
	lt.OnTerminate("panicking", func() error { ran = append(ran, "panicking"); panic("boom") })

	err := lt.Terminate()
	if err == nil {
		t.Fatal("Expected collected errors")
	}
	if want := []string{"panicking", "failing", "first"}; !reflect.DeepEqual(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}
	for _, want := range []string{"failing: flush failed", "panicking: panic during termination: boom"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestTerminateIdempotent(t *testing.T) {
	lt := New(logging.Nop())
	calls := 0
	lt.OnTerminate("once", func() error { calls++; return errors.New("x") })

	first := lt.Terminate()
	second := lt.Terminate()
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if first == nil || second == nil || first.Error() != second.Error() {
		t.Errorf("repeated Terminate should return the first result: %v / %v", first, second)
	}
}

func TestOnTerminateAfterTermination(t *testing.T) {
	lt := New(logging.Nop())
	_ = lt.Terminate()

	if lt.OnTerminate("late", func() error { return nil }) {
		t.Error("OnTerminate should refuse registration after termination")
	}
}

func TestNestedLifetime(t *testing.T) {
	lt := New(logging.Nop())

	var order []string
	lt.OnTerminate("factory", func() error { order = append(order, "factory"); return nil })
	stores := lt.Nested("stores")
	stores.OnTerminate("s1", func() error { order = append(order, "s1"); return nil })
	stores.OnTerminate("s2", func() error { order = append(order, "s2"); return nil })
	lt.OnTerminate("janitor", func() error { order = append(order, "janitor"); return nil })

	if err := lt.Terminate(); err != nil {
		t.Fatal(err)
	}
	if want := []string{"janitor", "s2", "s1", "factory"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if stores.Status() != Terminated {
		t.Error("nested lifetime should be terminated with its parent")
	}
}

func TestConcurrentTerminate(t *testing.T) {
	lt := New(logging.Nop())
	var mu sync.Mutex
	calls := 0
	for i := 0; i < 10; i++ {
		lt.OnTerminate("r", func() error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lt.Terminate()
		}()
	}
	wg.Wait()

	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
	select {
	case <-lt.Done():
	default:
		t.Error("Done() should be closed after termination")
	}
}

func TestRegisterDeregister(t *testing.T) {
	lt := New(logging.Nop())

	var ran []string
	lt.OnTerminate("factory", func() error { ran = append(ran, "factory"); return nil })
	for i := 0; i < 50; i++ {
		deregister, ok := lt.Register("store", func() error { ran = append(ran, "closed store"); return nil })
		if !ok {
			t.Fatal("Register refused while alive")
		}
		deregister()
		deregister()
	}
	keep, _ := lt.Register("open store", func() error { ran = append(ran, "open store"); return nil })

	if n := lt.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
	if err := lt.Terminate(); err != nil {
		t.Fatal(err)
	}
	keep()
	if want := []string{"open store", "factory"}; !reflect.DeepEqual(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}

	if _, ok := lt.Register("late", func() error { return nil }); ok {
		t.Error("Register should refuse after termination")
	}
}
