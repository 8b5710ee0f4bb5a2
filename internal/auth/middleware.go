package auth

import (
	"encoding/json"
	"net/http"
)

// Middleware returns middleware that runs the authorizer once per request
// and injects the resolved principal into the request context. Denials are
// written as the uniform JSON error envelope.
func Middleware(a *Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := a.Authorize(r)
			if !decision.OK() {
				writeDenial(w, decision)
				return
			}

			ctx := ContextWithPrincipal(r.Context(), decision.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects non-admin principals. Must run inside Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			writeDenial(w, Deny(http.StatusUnauthorized, "Unauthorized"))
			return
		}
		if !p.IsAdmin {
			writeDenial(w, Deny(http.StatusForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDenial(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    codeForStatus(d.Status),
			Message: d.Reason,
		},
	})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}
