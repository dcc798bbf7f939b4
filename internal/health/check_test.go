package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestAll(t *testing.T) {
	storeDown := errors.New("store down")
	calls := 0
	counting := CheckFunc(func(context.Context) error { calls++; return nil })
	failing := CheckFunc(func(context.Context) error { return storeDown })

	if err := All(OK(), nil, counting).Check(context.Background()); err != nil {
		t.Fatalf("all passing: %v", err)
	}
	if err := All(failing, counting).Check(context.Background()); !errors.Is(err, storeDown) {
		t.Fatalf("err = %v, want the first failure", err)
	}
	if calls != 1 {
		t.Fatalf("checks after a failure still ran: calls = %d", calls)
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty: %v", err)
	}
}

func TestGate(t *testing.T) {
	var g Gate
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("zero gate: %v", err)
	}
	g.Drain("")
	if err := g.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("after Drain: %v", err)
	}
	g.Drain("SIGTERM")
	if err := g.Check(context.Background()); err == nil || err.Error() != "SIGTERM" {
		t.Fatalf("reason not updated: %v", err)
	}
}

func TestGate_ConcurrentDrain(t *testing.T) {
	var g Gate
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Drain("draining") }()
		go func() { defer wg.Done(); _ = g.Check(context.Background()) }()
	}
	wg.Wait()
	if g.Check(context.Background()) == nil {
		t.Fatal("gate open after Drain")
	}
}

func TestHandler(t *testing.T) {
	var g Gate
	h := Handler(All(OK(), &g), "ready\n")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready\n" {
		t.Fatalf("open gate: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("health responses must not be cached")
	}

	g.Drain("draining")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "draining\n" {
		t.Fatalf("drained: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Handler(nil, "ok\n").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("nil checker: %d", rec.Code)
	}
}

func TestHandler_UsesRequestContext(t *testing.T) {
	type key struct{}
	var seen any
	h := Handler(CheckFunc(func(ctx context.Context) error { seen = ctx.Value(key{}); return nil }), "ok\n")
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(context.WithValue(req.Context(), key{}, "v")))
	if seen != "v" {
		t.Fatal("checker did not get the request context")
	}
}
