package i18n

import "net/http"

// Middleware negotiates the response language from the lang query parameter
// and the Accept-Language header, falling back to defaultLang, and injects
// the matching localizer into the request context.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := Negotiate(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), defaultLang)
			w.Header().Set("Content-Language", tag.String())
			ctx := WithLocalizer(r.Context(), NewLocalizer(tag.String()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
