// Package core implements the bulk ingestion, validation, and correction
// engine for payment and invoice-filing CSV files.
//
// The engine exposes four operator-initiated pipelines:
//
//   - LoadPayments: staged bulk load into pagos / pagos_capita with
//     critical-data and duplicate validation gates and an atomic set-based
//     merge.
//   - CorrectPayments: targeted update of committed rows matched by the
//     id_fomag business key, with best-effort backup and change-audit
//     trails and a degraded row-by-row fallback when the database runs
//     out of storage.
//   - ReplaceCapitation: schema-driven full replace of radicacion_capita,
//     mapping the file's header to live staging columns.
//   - LoadTraza: full replace of pagos_traza from a fixed seven-column
//     report export.
//
// Each pipeline runs synchronously within the caller's request. Files are
// irregular delimited text: the delimiter is autodetected per file, cells
// may be quoted with doubled-quote escapes, numbers arrive in mixed
// decimal-comma / decimal-dot locales, and dates arrive in several
// day-first and year-first shapes. Tokenization lives in csv.go, value
// normalization in convert.go (mirrored in-database by the SQL helpers
// installed from schema.go), and the pipelines in load.go, correction.go,
// capita.go, and traza.go.
//
// This package has no HTTP dependencies and can be driven by any boundary.
package core
