// Package stores provides the persistence layer for ladpipe run history.
// The SQLite implementation records fetch and launch runs, the artifacts
// each retrieval job produced, and the instances each launch provisioned.
package stores
