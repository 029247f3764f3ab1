// Package auth manages the access token for the remote API.
//
// Manager.Token(ctx, force) returns the cached token while it is usable
// (now < ExpiresAt - skew) and otherwise POSTs {"ProjectKey": key} to the
// auth path. The expiry comes from the response's ExpiresIn or ExpiresAt,
// then from the token's own exp claim when it is a JWT, then from a
// default TTL. Concurrent refreshes are coalesced with singleflight. Every
// failure is an *Error; there is no retry loop here, retry decisions belong
// to the transport.
//
// Transport is an http.RoundTripper that adds the bearer header to each
// request from the Manager's cache.
package auth
