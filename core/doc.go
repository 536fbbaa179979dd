// Package core provides the foundational domain types and contracts used by
// loanmesh. It defines:
//
//   - the error taxonomy shared by every agent boundary (Error, ErrorCode)
//   - Sessions, the state machine they move through and their audit trail
//   - Evidence items and the snapshot handed to scorers
//   - Reports, the immutable outcome of a finished session
//   - the collaborator interfaces agents depend on (document store, search,
//     analysis, scoring, human channel, persistence)
//
// Concrete implementations live in sibling packages so that agents only ever
// depend on the small interfaces declared here.
package core
