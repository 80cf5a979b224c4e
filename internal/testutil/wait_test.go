package testutil

import (
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	t.Run("condition already true", func(t *testing.T) {
		t.Parallel()
		start := time.Now()
		if !WaitFor(t, func() bool { return true }) {
			t.Fatal("expected success")
		}
		if time.Since(start) > 50*time.Millisecond {
			t.Error("an immediately true condition should not poll")
		}
	})

	t.Run("condition becomes true", func(t *testing.T) {
		t.Parallel()
		var polls atomic.Int32
		ok := WaitFor(t, func() bool { return polls.Add(1) >= 3 }, WithInterval(time.Millisecond))
		if !ok || polls.Load() != 3 {
			t.Errorf("expected success on the third poll, got ok=%v polls=%d", ok, polls.Load())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		start := time.Now()
		if WaitFor(t, func() bool { return false }, WithTimeout(30*time.Millisecond), WithInterval(5*time.Millisecond)) {
			t.Fatal("expected timeout")
		}
		if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
			t.Errorf("returned before the timeout: %v", elapsed)
		}
	})
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var finished atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(time.Millisecond)
			finished.Add(1)
		}
	}()

	MustWaitForCount(t, &finished, 5)
	if WaitForCount(t, &finished, 6, WithTimeout(20*time.Millisecond)) {
		t.Error("counter should not reach 6")
	}
}

func TestMustWaitFor(t *testing.T) {
	t.Parallel()
	var released atomic.Bool
	time.AfterFunc(10*time.Millisecond, func() { released.Store(true) })
	MustWaitFor(t, released.Load, WithTimeout(time.Second))
}

func TestNever(t *testing.T) {
	t.Parallel()
	var acquired atomic.Bool
	start := time.Now()
	Never(t, acquired.Load, 25*time.Millisecond)
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Never returned before its duration")
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()
	o := defaultOptions()
	if o.Timeout != 10*time.Second || o.Interval != 10*time.Millisecond {
		t.Errorf("unexpected defaults %+v", o)
	}
	WithTimeout(time.Minute)(&o)
	WithInterval(time.Second)(&o)
	if o.Timeout != time.Minute || o.Interval != time.Second {
		t.Errorf("options not applied: %+v", o)
	}
}

func TestWriteTreeReadTree(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	files := map[string]string{
		"out/lib.txt":          "lib",
		"out/nested/deep.json": "{}",
		"README.md":            "",
	}

	WriteTree(t, root, files)
	if got := ReadTree(t, root); !reflect.DeepEqual(got, files) {
		t.Errorf("ReadTree = %v, want %v", got, files)
	}
	if got := ReadTree(t, filepath.Join(root, "out", "nested")); !reflect.DeepEqual(got, map[string]string{"deep.json": "{}"}) {
		t.Errorf("ReadTree of a subdirectory = %v", got)
	}
	if got := ReadTree(t, filepath.Join(root, "missing")); len(got) != 0 {
		t.Errorf("missing root should read as empty, got %v", got)
	}
}
