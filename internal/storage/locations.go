package storage

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// claimSet tracks physical locations held by live engines.
type claimSet struct {
	held *xsync.MapOf[string, struct{}]
}

func newClaimSet() *claimSet {
	return &claimSet{held: xsync.NewMapOf[string, struct{}]()}
}

// processClaims covers locations shared by the whole process: files,
// directories and network keyspaces.
var processClaims = newClaimSet()

// claim marks location as held. The returned release function is idempotent.
func (c *claimSet) claim(location string) (release func(), err error) {
	if _, loaded := c.held.LoadOrStore(location, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrLocationInUse, location)
	}
	var once sync.Once
	return func() {
		once.Do(func() { c.held.Delete(location) })
	}, nil
}

func (c *claimSet) len() int {
	return c.held.Size()
}

// fileLocation normalizes a filesystem path into a claim key.
func fileLocation(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.Clean(path)
}
