// Package httpmw holds the middleware of the public listener. httpserver.NewHandler
// composes it, outermost first: security headers, panic recovery, request id,
// client IP, otelhttp, trace id header, metrics, request logger, CORS, then the
// chi router with route annotation, access log, rate limiting and body limits.
//
// ClientIP runs before anything keyed on the client and strips forwarded
// headers sent by untrusted peers. Query strings, headers and cookies stay out
// of logs; proxied pages routinely carry tokens in them.
package httpmw
