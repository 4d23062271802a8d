// Package memory provides in-process stores for development and tests: the
// job status table, stock state, region and subscriber directories, and the
// notification outbox.
package memory
