package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/highlight-pipeline/orchestrator/errors"
)

// The identity provider behind an opaque bearer token is out of scope here:
// whatever token a request carries is taken to name a principal_id
// directly, rather than implementing real identity verification.

type principalKey struct{}

// PrincipalFromContext returns the principal_id Authenticate resolved for
// this request, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// ResolvePrincipal turns a bearer token into the principal_id it names.
// Empty tokens are rejected; everything else passes through, since the
// actual identity verification is delegated to an external provider this
// service never implements.
func ResolvePrincipal(token string) (string, error) {
	if token == "" {
		return "", errors.UnauthorisedError
	}
	return token, nil
}

// Authenticate extracts the bearer token from the Authorization header,
// resolves it to a principal_id, and stores it in the request context for
// downstream handlers (PrincipalFromContext) and the rate limiter
// (Allow) to read.
func Authenticate(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		principal, err := ResolvePrincipal(token)
		if err != nil {
			errors.WriteHTTPUnauthorized(w, "Invalid token", err)
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), principal)), ps)
	}
}

// AuthenticateQuery is Authenticate's websocket-handshake variant: browsers
// cannot set a custom header on the request that opens a websocket
// connection, so the live subscriber surface takes the token as a query
// parameter instead.
func AuthenticateQuery(values url.Values) (string, error) {
	return ResolvePrincipal(values.Get("token"))
}
