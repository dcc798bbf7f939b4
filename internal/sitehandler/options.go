package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/keithlinneman/siteguard/internal/log"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type Options struct {
	Logger log.Logger

	// Upstream is the site being fronted, scheme and host (path is ignored)
	Upstream *url.URL

	// Transport used for upstream requests, defaults to a clone of http.DefaultTransport
	Transport http.RoundTripper

	// FallbackFS holds the maintenance page served while the upstream is unreachable
	FallbackFS      fs.FS
	MaintenanceFile string

	// RetryAfter is advertised on maintenance responses
	RetryAfter time.Duration

	// PreserveHost forwards the client's Host header instead of the upstream's
	PreserveHost bool

	// Cache-Control by response kind, see the Default* constants
	HTMLCacheControl  string
	AssetCacheControl string
	OtherCacheControl string

	// OnUpstreamError is called for every failed upstream round trip
	OnUpstreamError func(err error)
}

// Defaults for Options. Cache policies only apply when the upstream sent no
// Cache-Control of its own.
const (
	DefaultMaintenanceFile   = "maintenance.html"
	DefaultRetryAfter        = 30 * time.Second
	DefaultHTMLCacheControl  = "no-cache"
	DefaultAssetCacheControl = "public, max-age=31536000, immutable"
	DefaultOtherCacheControl = "public, max-age=3600"
)

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.RetryAfter < 0 {
		o.RetryAfter = 0
	}
	orDefault(&o.RetryAfter, DefaultRetryAfter)
	orDefault(&o.MaintenanceFile, DefaultMaintenanceFile)
	orDefault(&o.HTMLCacheControl, DefaultHTMLCacheControl)
	orDefault(&o.AssetCacheControl, DefaultAssetCacheControl)
	orDefault(&o.OtherCacheControl, DefaultOtherCacheControl)
}

func (o *Options) validate() error {
	var problem string
	switch u := o.Upstream; {
	case u == nil:
		problem = "Upstream is nil"
	case u.Scheme != "http" && u.Scheme != "https":
		problem = fmt.Sprintf("upstream scheme must be http or https (got %q)", u.Scheme)
	case u.Host == "":
		problem = "upstream host is empty"
	case o.FallbackFS == nil:
		problem = "FallbackFS is nil"
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, problem)
	}
	// a mispackaged binary fails at boot, not on the first upstream outage
	if _, err := fs.Stat(o.FallbackFS, o.MaintenanceFile); err != nil {
		return fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, o.MaintenanceFile, err)
	}
	return nil
}
