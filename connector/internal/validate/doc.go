// Package validate turns raw CSV cells into a types.Record.
//
// Each validator is a pure function of its input (and, for Age, the bounds
// passed in by the caller), returns a normalized value, and is idempotent:
// feeding a normalized value back in yields the same value. Failures are
// *Error values carrying the field, a stable reason code and the raw input.
package validate
