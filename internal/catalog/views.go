package catalog

import "strings"

// RegisterView caches a view definition, replacing any prior definition for
// the same namespace.
func (c *Catalog) RegisterView(v *ViewDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db := dbOf(v.NSS)
	if _, exists := c.views[v.NSS]; !exists {
		c.viewsByDB[db] = append(c.viewsByDB[db], v.NSS)
	}
	c.views[v.NSS] = v
}

// DropView removes a cached view definition.
func (c *Catalog) DropView(nss string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropViewLocked(nss)
}

func (c *Catalog) dropViewLocked(nss string) {
	if _, exists := c.views[nss]; !exists {
		return
	}
	delete(c.views, nss)
	db := dbOf(nss)
	list := c.viewsByDB[db]
	for i, n := range list {
		if n == nss {
			c.viewsByDB[db] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// LookupView returns the cached definition for a view namespace.
func (c *Catalog) LookupView(nss string) (*ViewDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[nss]
	return v, ok
}

// InvalidateViewsForNSS drops every cached view whose viewOn names the given
// collection namespace, since any write to that collection can change what
// the view would return.
func (c *Catalog) InvalidateViewsForNSS(nss string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateViewsForNSSLocked(nss)
}

func (c *Catalog) invalidateViewsForNSSLocked(nss string) {
	db := dbOf(nss)
	for _, viewNSS := range append([]string(nil), c.viewsByDB[db]...) {
		if v, ok := c.views[viewNSS]; ok && v.ViewOn == nss {
			c.dropViewLocked(viewNSS)
		}
	}
}

func dbOf(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}
