// Package stores provides the persistence layer for deployment records.
// It includes a SQLite-based store with WAL mode and embedded migrations.
// Steps live in their own rows, so concurrent writers touching different
// steps of one deployment never overwrite each other. Every status write is
// appended to deployment_history. Lab configurations can be kept in the same
// database as an alternative to the file catalog.
package stores
