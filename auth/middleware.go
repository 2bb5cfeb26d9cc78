package auth

import (
	"net/http"
	"strings"
)

// Bearer authenticates "Authorization: Bearer <token>" requests and puts the
// principal in the request context. Requests without a valid token proceed
// anonymously; restricted attributes then fail with a Forbidden error.
func (s *Service) Bearer() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := s.Authenticate(r.Context(), token)
			if err != nil {
				s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
