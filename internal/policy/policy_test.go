package policy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/siteguard/internal/ratelimit"
)

const sampleDoc = `
policies:
  - name: site
    path_prefix: /
    window: 1m
    max_requests: 300
  - name: inquiries
    path_prefix: /api/inquiries
    methods: [post]
    window: 10m
    max_requests: 5
    skip_failed_requests: true
    headers: false
`

func TestParse_Sample(t *testing.T) {
	ps, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("len = %d, want 2", len(ps))
	}

	site := ps[0]
	if site.Window != time.Minute || site.MaxRequests != 300 {
		t.Errorf("site = %+v", site)
	}
	if site.KeyPrefix != "rl:site" {
		t.Errorf("site key prefix = %q, want rl:site", site.KeyPrefix)
	}
	if site.Headers == nil || !*site.Headers {
		t.Error("headers should default to true")
	}

	inq := ps[1]
	if inq.Window != 10*time.Minute || inq.MaxRequests != 5 || !inq.SkipFailedRequests {
		t.Errorf("inquiries = %+v", inq)
	}
	if len(inq.Methods) != 1 || inq.Methods[0] != http.MethodPost {
		t.Errorf("methods = %v, want [POST]", inq.Methods)
	}
	if inq.Headers == nil || *inq.Headers {
		t.Error("explicit headers: false was not kept")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no policies", "policies: []"},
		{"unknown field", "policies:\n  - name: a\n    path_prefix: /\n    window: 1m\n    max_requests: 1\n    burst: 3\n"},
		{"missing name", "policies:\n  - path_prefix: /\n    window: 1m\n    max_requests: 1\n"},
		{"duplicate name", "policies:\n  - {name: a, path_prefix: /, window: 1m, max_requests: 1}\n  - {name: a, path_prefix: /x, window: 1m, max_requests: 1}\n"},
		{"relative prefix", "policies:\n  - {name: a, path_prefix: api, window: 1m, max_requests: 1}\n"},
		{"zero window", "policies:\n  - {name: a, path_prefix: /, window: 0s, max_requests: 1}\n"},
		{"bad window", "policies:\n  - {name: a, path_prefix: /, window: soon, max_requests: 1}\n"},
		{"zero max", "policies:\n  - {name: a, path_prefix: /, window: 1m, max_requests: 0}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("err = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestParse_ExplicitKeyPrefixKept(t *testing.T) {
	ps, err := Parse([]byte("policies:\n  - {name: a, path_prefix: /, window: 1m, max_requests: 1, key_prefix: shared}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if ps[0].KeyPrefix != "shared" {
		t.Fatalf("key prefix = %q", ps[0].KeyPrefix)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	ps, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("len = %d", len(ps))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_InvalidWrapsSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	os.WriteFile(path, []byte("policies: []"), 0o600)
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
}

type fakeSSM struct {
	value *string
	err   error
	name  string
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = aws.ToString(in.Name)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: f.value}}, nil
}

func TestLoadSSM(t *testing.T) {
	f := &fakeSSM{value: aws.String(sampleDoc)}
	ps, err := LoadSSM(context.Background(), f, "/siteguard/policies")
	if err != nil {
		t.Fatalf("LoadSSM: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("len = %d", len(ps))
	}
	if f.name != "/siteguard/policies" {
		t.Fatalf("parameter name = %q", f.name)
	}
}

func TestLoadSSM_Errors(t *testing.T) {
	if _, err := LoadSSM(context.Background(), &fakeSSM{err: errors.New("throttled")}, "/p"); err == nil {
		t.Fatal("expected error from SSM failure")
	}
	if _, err := LoadSSM(context.Background(), &fakeSSM{}, "/p"); err == nil {
		t.Fatal("expected error for missing value")
	}
	if _, err := LoadSSM(context.Background(), &fakeSSM{value: aws.String("nope: [")}, "/p"); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
}

func TestDefault(t *testing.T) {
	ps := Default(time.Minute, 100, "rl", false)
	if err := Validate(ps); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	cfg := ps[0].LimiterConfig(50 * time.Millisecond)
	if cfg.Name != "site" || cfg.MaxRequests != 100 || cfg.KeyPrefix != "rl" || cfg.EnableHeaders {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.StoreTimeout != 50*time.Millisecond {
		t.Fatalf("store timeout = %v", cfg.StoreTimeout)
	}
}

func TestRoutes(t *testing.T) {
	ps, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}

	var named []string
	routes, err := Routes(ps, ratelimit.NewMemoryStore(), 0, func(p Policy) []ratelimit.Option {
		named = append(named, p.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	if len(routes) != 2 || len(named) != 2 {
		t.Fatalf("routes = %d, opts calls = %d", len(routes), len(named))
	}

	rt := ratelimit.NewRouter(routes...)
	req := httptest.NewRequest(http.MethodPost, "/api/inquiries", nil)
	if l := rt.Match(req); l == nil || l.Config().Name != "inquiries" {
		t.Fatal("POST /api/inquiries should match the inquiries limiter")
	}
	req = httptest.NewRequest(http.MethodGet, "/api/inquiries", nil)
	if l := rt.Match(req); l == nil || l.Config().Name != "site" {
		t.Fatal("GET /api/inquiries should fall through to site")
	}
}
