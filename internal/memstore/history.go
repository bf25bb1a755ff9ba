package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/zonekeeper/internal/model"
)

// History records scan results in memory and answers the recommender's
// questions about them.
type History struct {
	mu      sync.RWMutex
	results []model.ScanResult
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Record(_ context.Context, r model.ScanResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
	return nil
}

func (h *History) LastScan(_ context.Context, worker string) (model.ScanRef, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		best  model.ScanResult
		found bool
	)
	for _, r := range h.results {
		if r.Worker != worker || (r.LocationID == 0 && strings.TrimSpace(r.Code) == "") {
			continue
		}
		if !found || !r.At.Before(best.At) {
			best, found = r, true
		}
	}
	if !found {
		return model.ScanRef{}, false, nil
	}
	return model.ScanRef{LocationID: best.LocationID, Code: best.Code, At: best.At}, true, nil
}

// RecentDiscrepancies returns distinct codes with discrepancies, ordered by
// their latest occurrence, newest first.
func (h *History) RecentDiscrepancies(_ context.Context, limit int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	latest := make(map[string]int) // code → index of latest result
	for i, r := range h.results {
		if !r.HasDiscrepancy || r.Code == "" {
			continue
		}
		if j, ok := latest[r.Code]; !ok || !h.results[i].At.Before(h.results[j].At) {
			latest[r.Code] = i
		}
	}

	codes := make([]string, 0, len(latest))
	for code := range latest {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		a, b := h.results[latest[codes[i]]].At, h.results[latest[codes[j]]].At
		if !a.Equal(b) {
			return a.After(b)
		}
		return codes[i] < codes[j]
	})
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	return codes, nil
}
