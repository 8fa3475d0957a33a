//go:build libsql

package db

import (
	_ "github.com/tursodatabase/go-libsql"
)

// driverName selects the embedded libSQL driver. Build with -tags libsql
// (requires cgo).
const driverName = "libsql"

const dsnOptions = ""
