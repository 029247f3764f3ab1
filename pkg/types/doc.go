// Package types defines the value types shared by every connector package:
// the validated Record, the age Bounds enforced during validation, and the
// per-record delivery Outcome. They are the in-memory representation of a
// row; the wire payload sent to the remote API is built from them by the
// transport package.
package types
