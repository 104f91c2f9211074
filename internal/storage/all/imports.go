// Package all wires all built-in storage backends into the storage factory.
//
// Importing it (usually as a blank import from cmd/pricesync) runs the init
// functions of each backend, which register "postgres", "mssql" and "sqlite"
// with storage.New.
package all

import (
	_ "pricesync/internal/storage/mssql"
	_ "pricesync/internal/storage/postgres"
	_ "pricesync/internal/storage/sqlite"
)
