// Package session provides implementations of core.SessionStore and
// core.ReportArchive. The in-memory store serves tests and single process
// deployments; the redis and postgres sub-packages back restartable ones.
package session
