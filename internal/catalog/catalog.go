// Package catalog defines the read-only view of warehouse locations that the
// leasing engine consumes, and decodes the periodic CSV exports that feed it.
package catalog

import (
	"context"

	"github.com/msageha/zonekeeper/internal/model"
)

// Catalog is the read-only location catalog. Implementations live in the
// store backends (memstore, sqlitestore, pgstore).
type Catalog interface {
	// SampleRandom returns one location chosen uniformly at random.
	// Returns model.ErrCatalogEmpty when there are no locations.
	SampleRandom(ctx context.Context) (model.Location, error)

	// WithPrefix returns locations whose code starts with prefix, ordered by
	// code. limit <= 0 returns all of them.
	WithPrefix(ctx context.Context, prefix string, limit int) ([]model.Location, error)

	// ByCode looks a location up by code, ignoring case and surrounding whitespace.
	ByCode(ctx context.Context, code string) (model.Location, bool, error)

	ByID(ctx context.Context, id int64) (model.Location, bool, error)

	// Nearest ranks locations by L1 distance over (floor, row, section) from
	// ref, ascending, ties broken by code. Locations with empty codes are skipped.
	Nearest(ctx context.Context, ref model.Address, limit int) ([]model.RankedLocation, error)

	Count(ctx context.Context) (int, error)
}

// Loader is implemented by catalogs that can be (re)populated in bulk from an
// export. Replace swaps the whole content in one step.
type Loader interface {
	Replace(ctx context.Context, locations []model.Location) error
}
