package bonsai

import lru "github.com/hashicorp/golang-lru"

// revisionCache keeps materialized roots by commit id. Roots are
// immutable, so one cached root can seed any number of transactional
// states. A nil cache caches nothing.
type revisionCache struct {
	arc *lru.ARCCache
}

func newRevisionCache(size int) *revisionCache {
	if size <= 0 {
		return nil
	}
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &revisionCache{arc: arc}
}

func (c *revisionCache) get(id CommitID) (node, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.arc.Get(id)
	if !ok {
		revisionCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	revisionCacheTotal.WithLabelValues("hit").Inc()
	n, _ := v.(node)
	return n, true
}

func (c *revisionCache) add(id CommitID, root node) {
	if c != nil {
		c.arc.Add(id, root)
	}
}
