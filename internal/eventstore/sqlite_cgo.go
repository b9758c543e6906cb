//go:build eventstore_cgo

package eventstore

import (
	_ "github.com/mattn/go-sqlite3" // registers driver name "sqlite3"
)
