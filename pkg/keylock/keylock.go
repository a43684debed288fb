// Package keylock provides striped per-key mutexes so writers of the same key
// run one at a time while different keys proceed in parallel.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultStripes = 256

type Locks struct {
	stripes []sync.Mutex
}

func New(stripes int) *Locks {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Locks{stripes: make([]sync.Mutex, stripes)}
}

// Lock blocks until key's stripe is held and returns the matching unlock.
func (l *Locks) Lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
