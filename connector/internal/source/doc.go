// Package source streams input rows from a CSV file.
//
// The header must contain Name, Age, Cookie and Banner_id (trimmed,
// case-sensitive). Duplicate headers after trimming and missing required
// headers are fatal (*HeaderError); unknown headers are ignored with a
// warning. A leading UTF-8 BOM is skipped and gzip input is decompressed
// transparently. Rows whose required cells are all empty are skipped, short
// rows are padded with "", and Row.Line is the 1-based physical line, so the
// first data row is line 2. A malformed line yields a *RowError and reading
// continues.
package source
