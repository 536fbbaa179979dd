// Package datafetcher implements the DataFetcher agent: a capability set that
// wraps the applicant document store, the business search backend and the
// financial analyzer, and maps every collaborator failure onto a
// CollaboratorUnavailable protocol error with a machine readable reason.
//
// All capabilities are registered Async because each of them waits on an
// external collaborator.
package datafetcher
