// Package policy loads the route-group rate limit policies and turns them into limiter routes.
//
// A policy document is YAML, kept in a file next to the binary or in an SSM
// parameter so it can change without a deploy:
//
//	policies:
//	  - name: site
//	    path_prefix: /
//	    window: 1m
//	    max_requests: 300
//	  - name: inquiries
//	    path_prefix: /api/inquiries
//	    methods: [POST]
//	    window: 10m
//	    max_requests: 5
//	    skip_failed_requests: true
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/siteguard/internal/ratelimit"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// ErrInvalidPolicy is wrapped by every validation failure.
var ErrInvalidPolicy = errors.New("policy: invalid")

// Policy is one route group and its limit.
type Policy struct {
	Name                   string        `yaml:"name"`
	PathPrefix             string        `yaml:"path_prefix"`
	Methods                []string      `yaml:"methods"`
	Window                 time.Duration `yaml:"window"`
	MaxRequests            int           `yaml:"max_requests"`
	KeyPrefix              string        `yaml:"key_prefix"`
	SkipSuccessfulRequests bool          `yaml:"skip_successful_requests"`
	SkipFailedRequests     bool          `yaml:"skip_failed_requests"`

	// Headers defaults to true when omitted
	Headers *bool `yaml:"headers"`
}

type document struct {
	Policies []Policy `yaml:"policies"`
}

// Default is the single catch-all policy used when no document is configured.
func Default(window time.Duration, maxRequests int, keyPrefix string, headers bool) []Policy {
	return []Policy{{
		Name:        "site",
		PathPrefix:  "/",
		Window:      window,
		MaxRequests: maxRequests,
		KeyPrefix:   keyPrefix,
		Headers:     &headers,
	}}
}

// Parse decodes and validates a policy document. Unknown fields are rejected
// so a typo doesn't silently fall back to a default.
func Parse(data []byte) ([]Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: document is empty", ErrInvalidPolicy)
		}
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidPolicy, err)
	}

	ps := doc.Policies
	for i := range ps {
		ps[i].applyDefaults()
	}
	if err := Validate(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	ps, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy file %s", path)
	}
	return ps, nil
}

// ParameterGetter is the subset of the SSM client LoadSSM needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSSM reads the policy document from an SSM parameter.
func LoadSSM(ctx context.Context, client ParameterGetter, name string) ([]Policy, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	ps, err := Parse([]byte(*out.Parameter.Value))
	if err != nil {
		return nil, xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return ps, nil
}

func (p *Policy) applyDefaults() {
	if p.KeyPrefix == "" && p.Name != "" {
		p.KeyPrefix = "rl:" + p.Name
	}
	if p.Headers == nil {
		on := true
		p.Headers = &on
	}
	for i, m := range p.Methods {
		p.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
}

// Validate checks every policy and that names are unique.
func Validate(ps []Policy) error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: no policies", ErrInvalidPolicy)
	}
	var errs []error
	seen := make(map[string]bool, len(ps))
	for i, p := range ps {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%w: policy %s: name is required", ErrInvalidPolicy, label))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%w: policy %s: duplicate name", ErrInvalidPolicy, label))
		}
		seen[p.Name] = true

		if !strings.HasPrefix(p.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("%w: policy %s: path_prefix must start with / (got %q)", ErrInvalidPolicy, label, p.PathPrefix))
		}
		if p.Window <= 0 {
			errs = append(errs, fmt.Errorf("%w: policy %s: window must be positive", ErrInvalidPolicy, label))
		}
		if p.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("%w: policy %s: max_requests must be positive", ErrInvalidPolicy, label))
		}
	}
	return errors.Join(errs...)
}

// LimiterConfig converts p to a limiter configuration.
func (p Policy) LimiterConfig(storeTimeout time.Duration) ratelimit.Config {
	headers := true
	if p.Headers != nil {
		headers = *p.Headers
	}
	return ratelimit.Config{
		Name:                   p.Name,
		WindowSize:             p.Window,
		MaxRequests:            p.MaxRequests,
		KeyPrefix:              p.KeyPrefix,
		SkipSuccessfulRequests: p.SkipSuccessfulRequests,
		SkipFailedRequests:     p.SkipFailedRequests,
		EnableHeaders:          headers,
		StoreTimeout:           storeTimeout,
	}
}

// Routes builds one limiter per policy over the shared store. opts is called per
// policy so callers can attach per-limiter hooks (metrics labels etc).
func Routes(ps []Policy, store ratelimit.Store, storeTimeout time.Duration, opts func(Policy) []ratelimit.Option) ([]ratelimit.Route, error) {
	routes := make([]ratelimit.Route, 0, len(ps))
	for _, p := range ps {
		var o []ratelimit.Option
		if opts != nil {
			o = opts(p)
		}
		l, err := ratelimit.New(p.LimiterConfig(storeTimeout), store, o...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy %s", p.Name)
		}
		routes = append(routes, ratelimit.Route{
			PathPrefix: p.PathPrefix,
			Methods:    p.Methods,
			Limiter:    l,
		})
	}
	return routes, nil
}
