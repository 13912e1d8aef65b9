package invalidation

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// returns true if v is greater than the last version seen for source
func (d *versionDedupe) shouldApply(source string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(source); ok {
		if v <= last {
			return false
		}
	}
	d.lru.Add(source, v)
	return true
}

// forget undoes shouldApply for a version whose reset failed so a redelivery
// is applied again.
func (d *versionDedupe) forget(source string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(source); ok && last == v {
		d.lru.Remove(source)
	}
}
