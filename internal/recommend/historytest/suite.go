// Package historytest is a conformance suite for scan history backends.
package historytest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/recommend"
)

// Recorder is a history that can also be written to.
type Recorder interface {
	recommend.History
	Record(ctx context.Context, r model.ScanResult) error
}

// Factory returns an empty history.
type Factory func(t *testing.T) Recorder

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func Run(t *testing.T, newHistory Factory) {
	ctx := context.Background()

	t.Run("LastScanNone", func(t *testing.T) {
		h := newHistory(t)
		_, ok, err := h.LastScan(ctx, "W1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("LastScanPicksNewest", func(t *testing.T) {
		h := newHistory(t)
		require.NoError(t, h.Record(ctx, model.ScanResult{Worker: "W1", LocationID: 1, Code: "A", At: epoch}))
		require.NoError(t, h.Record(ctx, model.ScanResult{Worker: "W1", LocationID: 3, Code: "C", At: epoch.Add(2 * time.Minute)}))
		require.NoError(t, h.Record(ctx, model.ScanResult{Worker: "W1", LocationID: 2, Code: "B", At: epoch.Add(time.Minute)}))
		require.NoError(t, h.Record(ctx, model.ScanResult{Worker: "W2", LocationID: 9, Code: "Z", At: epoch.Add(time.Hour)}))

		ref, ok, err := h.LastScan(ctx, "W1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), ref.LocationID)
		assert.Equal(t, "C", ref.Code)
		assert.True(t, ref.At.Equal(epoch.Add(2*time.Minute)))
	})

	t.Run("RecentDiscrepanciesDistinctNewestFirst", func(t *testing.T) {
		h := newHistory(t)
		rows := []model.ScanResult{
			{Worker: "W1", Code: "A", HasDiscrepancy: true, At: epoch},
			{Worker: "W1", Code: "B", HasDiscrepancy: true, At: epoch.Add(time.Minute)},
			{Worker: "W2", Code: "A", HasDiscrepancy: true, At: epoch.Add(3 * time.Minute)},
			{Worker: "W2", Code: "C", HasDiscrepancy: false, At: epoch.Add(4 * time.Minute)},
			{Worker: "W2", Code: "D", HasDiscrepancy: true, At: epoch.Add(2 * time.Minute)},
		}
		for _, r := range rows {
			require.NoError(t, h.Record(ctx, r))
		}

		codes, err := h.RecentDiscrepancies(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "D", "B"}, codes)

		codes, err = h.RecentDiscrepancies(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "D"}, codes)
	})
}
