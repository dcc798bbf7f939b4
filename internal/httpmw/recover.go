package httpmw

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/siteguard/internal/log"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log with a stack.
// onPanic (optional) is called after logging, used for the panic counter.
// http.ErrAbortHandler is re-raised so net/http can abort the response as intended.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				var err error
				if e, ok := v.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", v)
				}
				err = xerrors.EnsureTrace(err)

				L := logger.With(
					"request_id", RequestIDFromContext(r.Context()),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				L.Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				// headers may already be out, in which case this is a no-op on the status
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
