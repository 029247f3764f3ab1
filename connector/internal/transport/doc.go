// Package transport delivers records to the remote API over HTTP/JSON.
//
// Client.SendBulk posts {"Data": [...]} to the bulk path and
// Client.SendSingle posts {"VisitorCookie", "BannerId"} to the single path.
// Both drive the same retry engine, an explicit state machine:
//
//	Attempting --2xx--------------------------> Succeeded
//	Attempting --400--------------------------> Rejected
//	Attempting --401 (first)--refresh token---> Attempting
//	Attempting --401 (after refresh)----------> Failed
//	Attempting --429/5xx/transport/timeout----> Waiting | Exhausted
//	Waiting    --sleep------------------------> Attempting
//	Attempting --any other status-------------> Failed
//
// The wait before retry n (0-based) is min(cap, base*2^n) with +/- jitter,
// or the Retry-After value when the server sends one (seconds or
// HTTP-date, not capped). 401s do not consume the retry budget; the token
// is force-refreshed at most once per logical request.
//
// Every call ends in a types.Outcome. Failure causes are *StatusError for
// HTTP and transport problems and *auth.Error for token problems.
//
// Requests share one keep-alive *http.Transport (NewHTTPTransport) with a
// dial timeout, while single and bulk calls get their own per-request
// deadlines.
package transport
