package memstore

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

// Catalog is an in-memory location catalog, sorted by code. Replace swaps the
// whole content atomically, which is how export reloads are applied.
type Catalog struct {
	mu     sync.RWMutex
	sorted []model.Location
	byID   map[int64]int
	byCode map[string]int // normalized code → index
	intn   func(n int) int
}

var (
	_ catalog.Catalog = (*Catalog)(nil)
	_ catalog.Loader  = (*Catalog)(nil)
)

func NewCatalog(locations []model.Location) *Catalog {
	c := &Catalog{intn: rand.IntN}
	c.replace(locations)
	return c
}

// SetRand overrides the sampling source. Used by tests to force a sequence.
func (c *Catalog) SetRand(intn func(n int) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intn = intn
}

func (c *Catalog) Replace(_ context.Context, locations []model.Location) error {
	c.replace(locations)
	return nil
}

func (c *Catalog) replace(locations []model.Location) {
	sorted := make([]model.Location, 0, len(locations))
	for _, l := range locations {
		if strings.TrimSpace(l.Code) == "" {
			continue
		}
		sorted = append(sorted, l)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	byID := make(map[int64]int, len(sorted))
	byCode := make(map[string]int, len(sorted))
	for i, l := range sorted {
		byID[l.ID] = i
		if _, dup := byCode[zone.Normalize(l.Code)]; !dup {
			byCode[zone.Normalize(l.Code)] = i
		}
	}

	c.mu.Lock()
	c.sorted, c.byID, c.byCode = sorted, byID, byCode
	c.mu.Unlock()
}

func (c *Catalog) SampleRandom(context.Context) (model.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sorted) == 0 {
		return model.Location{}, model.ErrCatalogEmpty
	}
	return c.sorted[c.intn(len(c.sorted))], nil
}

func (c *Catalog) WithPrefix(_ context.Context, prefix string, limit int) ([]model.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i].Code >= prefix })
	var out []model.Location
	for i := start; i < len(c.sorted) && strings.HasPrefix(c.sorted[i].Code, prefix); i++ {
		out = append(out, c.sorted[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Catalog) ByCode(_ context.Context, code string) (model.Location, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byCode[zone.Normalize(code)]
	if !ok {
		return model.Location{}, false, nil
	}
	return c.sorted[i], true, nil
}

func (c *Catalog) ByID(_ context.Context, id int64) (model.Location, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return model.Location{}, false, nil
	}
	return c.sorted[i], true, nil
}

func (c *Catalog) Nearest(_ context.Context, ref model.Address, limit int) ([]model.RankedLocation, error) {
	c.mu.RLock()
	ranked := make([]model.RankedLocation, len(c.sorted))
	for i, l := range c.sorted {
		ranked[i] = model.RankedLocation{Location: l, Distance: ref.Distance(l.Address)}
	}
	c.mu.RUnlock()

	// sorted is already in code order, so a stable sort keeps the tie-break.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Distance < ranked[j].Distance })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (c *Catalog) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sorted), nil
}
