// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
)

// Open creates a Store for the configured backend. An empty backend
// defaults to sqlite.
func Open(backend, path string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		return OpenBadgerStore(path)
	case "sqlite":
		return NewSqliteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
