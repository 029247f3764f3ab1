package auth

import (
	"context"
	"net/http"
)

// TokenSource is satisfied by *Manager.
type TokenSource interface {
	Token(ctx context.Context, force bool) (Token, error)
}

// Transport injects "Authorization: Bearer <token>" into every outgoing
// request using the cached token. A forced refresh by the caller is picked
// up by the next request automatically.
type Transport struct {
	Base   http.RoundTripper
	Source TokenSource
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Source.Token(req.Context(), false)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	return t.base().RoundTrip(req)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
