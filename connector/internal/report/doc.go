// Package report persists what a run could not deliver.
//
// DeadLetter appends one JSON line per rejected or failed record, gzipped
// when the file name ends in ".gz". Cookies are always written redacted.
// Uploader copies a finished report to S3 with a bounded number of
// application-level attempts on top of the SDK's own.
package report
