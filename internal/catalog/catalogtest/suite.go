// Package catalogtest is a conformance suite run by every catalog backend.
package catalogtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/model"
)

// Factory returns a catalog pre-loaded with locations.
type Factory func(t *testing.T, locations []model.Location) catalog.Catalog

// Fixture is the location set used by the suite: two zones on floor 2 and
// one on floor 3.
func Fixture() []model.Location {
	return []model.Location{
		loc(1, "36.02.40.140.06.01", 2, 40, 140, 6, 1),
		loc(2, "36.02.40.140.06.02", 2, 40, 140, 6, 2),
		loc(3, "36.02.40.141.01.01", 2, 40, 141, 1, 1),
		loc(4, "36.02.41.100.01.01", 2, 41, 100, 1, 1),
		loc(5, "36.03.10.010.01.01", 3, 10, 10, 1, 1),
	}
}

func loc(id int64, code string, floor, row, section, shelf, cell int) model.Location {
	return model.Location{
		ID:   id,
		Code: code,
		Address: model.Address{
			Warehouse: 36, Floor: floor, Row: row, Section: section, Shelf: shelf, Cell: cell,
		},
	}
}

// Run executes the suite against catalogs produced by newCatalog.
func Run(t *testing.T, newCatalog Factory) {
	ctx := context.Background()

	t.Run("EmptySample", func(t *testing.T) {
		c := newCatalog(t, nil)
		_, err := c.SampleRandom(ctx)
		assert.ErrorIs(t, err, model.ErrCatalogEmpty)
		n, err := c.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("SampleReturnsMember", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		codes := map[string]bool{}
		for _, l := range Fixture() {
			codes[l.Code] = true
		}
		for range 20 {
			l, err := c.SampleRandom(ctx)
			require.NoError(t, err)
			assert.True(t, codes[l.Code], "unexpected code %q", l.Code)
		}
	})

	t.Run("WithPrefixOrdered", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		got, err := c.WithPrefix(ctx, "36.02.40.", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "36.02.40.140.06.01", got[0].Code)
		assert.Equal(t, "36.02.40.140.06.02", got[1].Code)
		assert.Equal(t, "36.02.40.141.01.01", got[2].Code)
	})

	t.Run("WithPrefixLimit", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		got, err := c.WithPrefix(ctx, "36.02.", 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("WithPrefixNoMatch", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		got, err := c.WithPrefix(ctx, "99.", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ByCodeNormalized", func(t *testing.T) {
		c := newCatalog(t, []model.Location{loc(7, "36.02.AB.1", 2, 0, 0, 0, 0)})
		l, ok, err := c.ByCode(ctx, "  36.02.ab.1 ")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(7), l.ID)

		_, ok, err = c.ByCode(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ByID", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		l, ok, err := c.ByID(ctx, 4)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "36.02.41.100.01.01", l.Code)

		_, ok, err = c.ByID(ctx, 404)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("NearestOrder", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		ref := model.Address{Floor: 2, Row: 40, Section: 140}
		got, err := c.Nearest(ctx, ref, 0)
		require.NoError(t, err)
		require.Len(t, got, 5)
		assert.Equal(t, "36.02.40.140.06.01", got[0].Code)
		assert.Equal(t, 0, got[0].Distance)
		assert.Equal(t, "36.02.40.140.06.02", got[1].Code) // tie broken by code
		assert.Equal(t, 0, got[1].Distance)
		assert.Equal(t, "36.02.40.141.01.01", got[2].Code)
		assert.Equal(t, 1, got[2].Distance)
		assert.Equal(t, "36.02.41.100.01.01", got[3].Code)
		assert.Equal(t, 41, got[3].Distance)
		assert.Equal(t, "36.03.10.010.01.01", got[4].Code)
	})

	t.Run("NearestLimit", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		got, err := c.Nearest(ctx, model.Address{Floor: 3, Row: 10, Section: 10}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "36.03.10.010.01.01", got[0].Code)
	})

	t.Run("ReplaceSwapsContent", func(t *testing.T) {
		c := newCatalog(t, Fixture())
		loader, ok := c.(catalog.Loader)
		if !ok {
			t.Skip("catalog is read-only")
		}
		require.NoError(t, loader.Replace(ctx, Fixture()[:1]))
		n, err := c.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, ok, err = c.ByID(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
