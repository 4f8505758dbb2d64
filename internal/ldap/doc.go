// Package ldap is the directory-protocol subsystem of the resolver: it
// schedules connection attempts across endpoints with transient blocking,
// negotiates TLS per deployment posture against a process-wide certificate
// trust store, pages large result sets with either paged-results control
// encoding, and maps raw directory entries to stable identifiers and
// normalized attribute values.
//
// The package holds no global state. Cross-instance state (the block-list
// and the trust store) is passed in by the caller, so tests and embedders
// control its scope.
package ldap
