package marking

import "sync"

// Cache maps tool name to the latest marking of one sample. Results are
// never mutated after Put, so readers may share them.
type Cache struct {
	mu sync.RWMutex
	m  map[string]Marking
}

func NewCache() *Cache {
	return &Cache{m: map[string]Marking{}}
}

func (c *Cache) Get(tool string) (Marking, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.m[tool]
	if !ok {
		return Marking{}, false
	}
	return m.clone(), true
}

func (c *Cache) Put(m Marking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[m.Tool] = m.clone()
}

func (c *Cache) Delete(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, tool)
}

func (c *Cache) All() map[string]Marking {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Marking, len(c.m))
	for k, v := range c.m {
		out[k] = v.clone()
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = map[string]Marking{}
}
