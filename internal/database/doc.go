// Package database opens the PostgreSQL pool used by the optional
// postgres-backed visit counter store.
package database
