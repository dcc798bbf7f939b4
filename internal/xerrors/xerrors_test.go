package xerrors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errStoreDown = errors.New("dial tcp 10.0.0.5:6379: connection refused")

func firstFrame(pcs []uintptr) runtime.Frame {
	fr, _ := runtime.CallersFrames(pcs).Next()
	return fr
}

func TestStackedConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"New", New("policy not loaded"), "policy not loaded"},
		{"Newf", Newf("window %s too short", "0s"), "window 0s too short"},
		{"WithStack", WithStack(errStoreDown), errStoreDown.Error()},
		{"EnsureTrace", EnsureTrace(errStoreDown), errStoreDown.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.msg {
				t.Fatalf("Error() = %q, want %q", tt.err.Error(), tt.msg)
			}
			var s Stacked
			if !errors.As(tt.err, &s) || len(s.StackPCs()) == 0 {
				t.Fatal("expected a captured stack")
			}
			if fn := firstFrame(s.StackPCs()).Function; !strings.Contains(fn, "TestStackedConstructors") {
				t.Fatalf("first frame = %q, want the calling test", fn)
			}
		})
	}
}

func TestNewf_KeepsWrappedSentinel(t *testing.T) {
	err := Newf("load policy: %w", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("errors.Is lost the %w cause")
	}
}

func TestWrap_RecordsCallSite(t *testing.T) {
	err := Wrapf(errStoreDown, "record %s", "rl:site:203.0.113.7")

	if got, want := err.Error(), "record rl:site:203.0.113.7: "+errStoreDown.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, errStoreDown) {
		t.Fatal("errors.Is lost the cause")
	}
	var loc Located
	if !errors.As(err, &loc) {
		t.Fatal("Wrapf result should be Located")
	}
	if fn := firstFrame([]uintptr{loc.PC()}).Function; !strings.Contains(fn, "TestWrap_RecordsCallSite") {
		t.Fatalf("call site = %q", fn)
	}
	var s Stacked
	if errors.As(err, &s) {
		t.Fatal("Wrap should not capture a full stack")
	}
}

func TestNilPassthrough(t *testing.T) {
	for name, err := range map[string]error{
		"Wrap":        Wrap(nil, "x"),
		"Wrapf":       Wrapf(nil, "x %d", 1),
		"WithStack":   WithStack(nil),
		"EnsureTrace": EnsureTrace(nil),
	} {
		if err != nil {
			t.Errorf("%s(nil) = %v, want nil", name, err)
		}
	}
}

func TestEnsureTrace_KeepsExistingStack(t *testing.T) {
	inner := New("ssm parameter missing")
	outer := fmt.Errorf("load policies: %w", Wrap(inner, "fetch"))

	if got := EnsureTrace(outer); got != outer {
		t.Fatal("EnsureTrace re-stacked an error that already has a stack")
	}
}

func TestEnsureTrace_AddsStackToLocatedOnly(t *testing.T) {
	err := Wrap(errStoreDown, "ping redis")
	got := EnsureTrace(err)
	if got == err {
		t.Fatal("expected a stack to be added")
	}
	if !errors.Is(got, errStoreDown) {
		t.Fatal("cause lost")
	}
}
