package lease

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/zonekeeper/internal/model"
)

func TestOccupiedPrefixes(t *testing.T) {
	got := OccupiedPrefixes([]model.Lease{
		{ZonePrefix: "36.02.40."},
		{ZonePrefix: "36.03.10."},
		{ZonePrefix: "36.02.40."},
	})
	assert.Equal(t, map[string]bool{"36.02.40.": true, "36.03.10.": true}, got)
}

func TestDoubleActive(t *testing.T) {
	got := DoubleActive([]model.Lease{
		{ZonePrefix: "36.02.40."},
		{ZonePrefix: "36.03.10."},
		{ZonePrefix: "36.02.40."},
	})
	assert.Equal(t, map[string]int{"36.02.40.": 2}, got)
	assert.Empty(t, DoubleActive(nil))
}
