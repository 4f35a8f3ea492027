package httpmw

import (
	"net/http"

	"github.com/keithlinneman/imgdrop/internal/log"
	"github.com/keithlinneman/imgdrop/internal/xerrors"
)

// Recover catches handler panics, logs them with a stack, serves a 500 if
// nothing was written yet, and calls onPanic (metrics hook) if set.
// A panic must never take down the listener.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this sentinel when the client goes away,
				// it is not a server bug so re-raise for the server loop
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.WithStack(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				if onPanic != nil {
					onPanic()
				}
				if L != nil {
					L.Error(r.Context(), err, "panic in http handler",
						"http.request.method", r.Method,
						"url.path", r.URL.Path,
					)
				}

				// best effort: if the handler already wrote, this is a no-op
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
