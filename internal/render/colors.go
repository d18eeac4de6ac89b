package render

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"

	"routemap/internal/transit"
)

// knownOperators maps operator name fragments (lowercase) to their brand colour.
var knownOperators = []struct {
	fragment string
	color    string
}{
	{"metro", "#e30613"},
	{"express", "#0072ce"},
	{"rapid", "#00a651"},
	{"urban", "#f7a800"},
	{"intercity", "#8e44ad"},
	{"airport", "#00b5e2"},
}

var fallbackPalette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#3b82f6", "#8b5cf6", "#ec4899",
}

// ColorState is the lifecycle of a company colour in a ColorCache.
type ColorState int

const (
	ColorUnseen ColorState = iota
	ColorPending
	ColorAssigned
)

// NameLookup resolves a company's display name.
type NameLookup func(ctx context.Context, companyID transit.ID) (string, error)

// ColorCache assigns every company a display colour on first use and keeps it
// for the lifetime of the cache. Concurrent first lookups of the same company
// share one name lookup.
type ColorCache struct {
	lookup  NameLookup
	timeout time.Duration
	cache   gcache.Cache

	mu      sync.Mutex
	pending map[transit.ID]struct{}
}

func NewColorCache(lookup NameLookup, size int) *ColorCache {
	if size <= 0 {
		size = 256
	}
	c := &ColorCache{
		lookup:  lookup,
		timeout: 5 * time.Second,
		pending: make(map[transit.ID]struct{}),
	}
	c.cache = gcache.New(size).
		Simple().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			return c.load(key.(transit.ID)), nil
		}).
		Build()
	return c
}

func (c *ColorCache) load(id transit.ID) string {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	name := ""
	if c.lookup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		n, err := c.lookup(ctx, id)
		cancel()
		if err != nil {
			log.Printf("company name lookup failed: company=%s err=%v", id, err)
		} else {
			name = n
		}
	}
	if name == "" {
		return ColorForName(string(id))
	}
	return ColorForName(name)
}

// Color returns the colour assigned to companyID, assigning it if needed.
func (c *ColorCache) Color(companyID transit.ID) string {
	v, err := c.cache.Get(companyID)
	if err != nil {
		return ColorForName(string(companyID))
	}
	return v.(string)
}

func (c *ColorCache) State(companyID transit.ID) ColorState {
	if c.cache.Has(companyID) {
		return ColorAssigned
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[companyID]; ok {
		return ColorPending
	}
	return ColorUnseen
}

// Reset forgets every assignment.
func (c *ColorCache) Reset() { c.cache.Purge() }

// ColorForName matches known operator names case-insensitively and otherwise
// hashes name into the fallback palette.
func ColorForName(name string) string {
	lower := strings.ToLower(name)
	for _, k := range knownOperators {
		if strings.Contains(lower, k.fragment) {
			return k.color
		}
	}
	var h uint32
	for _, r := range name {
		h = h*31 + uint32(r)
	}
	return fallbackPalette[h%uint32(len(fallbackPalette))]
}

// CompanyOffsets spreads companies evenly across [-total/2, total/2] so that
// lines sharing the same geometry stay distinguishable. Companies are ordered
// by id so offsets are stable across feed refreshes.
func CompanyOffsets(companyIDs []transit.ID, total float64) map[transit.ID]float64 {
	uniq := make([]transit.ID, 0, len(companyIDs))
	seen := make(map[transit.ID]struct{}, len(companyIDs))
	for _, id := range companyIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	out := make(map[transit.ID]float64, len(uniq))
	n := len(uniq)
	switch n {
	case 0:
		return out
	case 1:
		out[uniq[0]] = 0
		return out
	}
	step := total / float64(n-1)
	for i, id := range uniq {
		out[id] = -total/2 + float64(i)*step
	}
	return out
}
