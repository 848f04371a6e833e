package trace

import "net/http"

// Middleware extracts or creates a trace context for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := map[string]string{}
		for _, k := range []string{TraceIDKey, SpanIDKey, SessionIDKey} {
			if v := r.Header.Get(k); v != "" {
				m[k] = v
			}
		}
		tc := FromMap(m)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// Transport stamps outgoing requests with the trace carried by their context.
type Transport struct {
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	tc, ok := FromContext(r.Context())
	if !ok {
		return base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	for k, v := range tc.ToMap() {
		r.Header.Set(k, v)
	}
	return base.RoundTrip(r)
}

// NewHTTPClient returns a client whose requests carry trace headers.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	c := *base
	c.Transport = &Transport{Base: base.Transport}
	return &c
}
