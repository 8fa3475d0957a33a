//go:build !libsql

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// driverName is the database/sql driver used for the local store.
// ncruces/go-sqlite3 runs SQLite as WASM and needs no cgo.
const driverName = "sqlite3"

// dsnOptions applies the per-connection pragmas to every pooled connection.
const dsnOptions = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
