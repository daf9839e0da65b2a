// SPDX-License-Identifier: MIT

package upstream

import (
	"fmt"
	"sort"
	"sync"
)

// Drivers register a Factory by name, the way database/sql drivers do.
// The portal transport ships as its own module and registers itself from
// an init function; binaries link it with a blank import. Everything in
// this repo programs against Client and never sees the transport.
var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver makes a Factory available under the given name. It
// panics on a duplicate or nil registration, both of which are wiring
// bugs caught at process start.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("upstream: RegisterDriver with nil factory")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("upstream: RegisterDriver called twice for driver %q", name))
	}
	drivers[name] = factory
}

// Driver returns the Factory registered under name.
func Driver(name string) (Factory, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	factory, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("upstream: unknown driver %q (linked drivers: %v)", name, driverNamesLocked())
	}
	return factory, nil
}

// DriverNames lists the registered drivers, sorted.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
