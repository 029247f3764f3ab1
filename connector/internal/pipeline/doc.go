// Package pipeline batches validated records and delivers them.
//
// Deliver is the delivery strategy: one bulk send, and only when the bulk
// payload is rejected as malformed, one single send per record in order.
// A bulk send that failed for any other reason (retries exhausted, auth,
// unexpected status) fails every record in the batch without a fallback.
//
// Pipeline owns the current batch and the run counters. Run drives one
// input stream through validation into the Pipeline on the calling
// goroutine; there is never more than one request in flight.
package pipeline
