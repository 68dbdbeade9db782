// Package sqlstore provides PostgreSQL and SQLite implementations of the task
// store and the workflow repository.
//
// Both dialects share one set of queries. Schema changes are applied with
// goose from the migrations embedded in this package.
package sqlstore
