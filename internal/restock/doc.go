// Package restock defines the types and contracts shared by the stock
// watching pipeline: snapshots, stock state, restock events, jobs, and the
// collaborators (fetchers, directories, notifiers, stores) the workers drive.
package restock
