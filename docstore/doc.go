// Package docstore contains implementations of core.DocumentStore: the
// source of applicant documents and the structured financial record derived
// from them.
//
// Callers depend on the core interface so a file backed store used for demos
// can be swapped for a database or object store without touching the
// DataFetcher. Every store returns errors wrapping core.ErrNotFound for
// unknown applicants and hands out copies of its records.
package docstore
