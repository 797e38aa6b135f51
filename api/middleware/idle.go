package middleware

import (
	"context"
	"net/http"
)

// IdleWokenHeader is set on the response of the request that resumed
// scheduled work.
const IdleWokenHeader = "X-Idle-Woken"

type activityTracker interface {
	Touch(ctx context.Context) bool
}

// IdleWake records inbound activity on the idle gate. It never blocks the
// request; waking only flips the gate so the next scheduled tick runs.
func IdleWake(gate activityTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if gate == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate.Touch(r.Context()) {
				w.Header().Set(IdleWokenHeader, "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}
