// Package testutil contains builders used across tests to construct
// sessions, evidence and reports with little boilerplate. It is not
// intended for production usage.
package testutil
