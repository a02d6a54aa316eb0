package client

import (
	lru "github.com/hashicorp/golang-lru"
)

// blockCache keeps complete blocks of read-only handles:
//
//	path ──LRU──→ block id ──LRU──→ block bytes
//
// Cached slices are never handed out to callers directly.
type blockCache struct {
	files         *lru.Cache
	blocksPerFile int
}

func newBlockCache(files, blocksPerFile int) (*blockCache, error) {
	c, err := lru.New(files)
	if err != nil {
		return nil, err
	}
	return &blockCache{files: c, blocksPerFile: blocksPerFile}, nil
}

func (c *blockCache) get(path string, id int64) ([]byte, bool) {
	v, ok := c.files.Get(path)
	if !ok {
		return nil, false
	}
	b, ok := v.(*lru.Cache).Get(id)
	if !ok {
		return nil, false
	}
	return b.([]byte), true
}

func (c *blockCache) add(path string, id int64, data []byte) {
	v, ok := c.files.Get(path)
	if !ok {
		blocks, err := lru.New(c.blocksPerFile)
		if err != nil {
			return
		}
		// a concurrent add may have created the file entry meanwhile
		if prev, found, _ := c.files.PeekOrAdd(path, blocks); found {
			v = prev
		} else {
			v = blocks
		}
	}
	v.(*lru.Cache).Add(id, data)
}

// invalidate drops every cached block of path.
func (c *blockCache) invalidate(path string) {
	c.files.Remove(path)
}

func (c *blockCache) purge() {
	c.files.Purge()
}

// blocks reports how many blocks of path are cached.
func (c *blockCache) blocks(path string) int {
	v, ok := c.files.Peek(path)
	if !ok {
		return 0
	}
	return v.(*lru.Cache).Len()
}
