package tz

import (
	"sync"
	"time"
	// Embedded zone data for hosts without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// Database resolves IANA zone names to locations, caching every lookup.
type Database struct {
	mu        sync.RWMutex
	locations map[string]*time.Location
}

func New() *Database {
	return &Database{
		locations: map[string]*time.Location{
			"UTC": time.UTC,
		},
	}
}

// Location returns the zone called name. Unknown names are not cached.
func (d *Database) Location(name string) (*time.Location, error) {
	d.mu.RLock()
	loc, ok := d.locations[name]
	d.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.locations[name] = loc
	d.mu.Unlock()
	return loc, nil
}

func (d *Database) IsValid(name string) bool {
	_, err := d.Location(name)
	return err == nil
}
