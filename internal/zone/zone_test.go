package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/zonekeeper/internal/model"
)

func TestDeriver_Of(t *testing.T) {
	d := NewDeriver(9)
	tests := []struct {
		code string
		want string
	}{
		{"36.02.40.140.06.03", "36.02.40."},
		{"36.02.40.140.06.20", "36.02.40."},
		{"36.03.10.050.01.01", "36.03.10."},
		{"36.02", "36.02"},
		{"36.02.40.", "36.02.40."},
		{"", ""},
		{"Ц6.06.01.02.01.01", "Ц6.06.01."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Of(tt.code), "Of(%q)", tt.code)
	}
}

func TestDeriver_SamePrefixSameZone(t *testing.T) {
	d := NewDeriver(9)
	assert.Equal(t, d.Of("36.02.40.140.06.01"), d.Of("36.02.40.999.99.99"))
	assert.True(t, d.Contains("36.02.40.", "36.02.40.140.06.01"))
	assert.False(t, d.Contains("36.02", "36.02.40.140.06.01"))
}

func TestNewDeriver_DefaultsNonPositive(t *testing.T) {
	assert.Equal(t, model.DefaultZonePrefixLen, NewDeriver(0).PrefixLen)
	assert.Equal(t, "36.02.40.", Deriver{}.Of("36.02.40.140"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "Ц6.06.01", Normalize("  ц6.06.01 "))
	assert.Equal(t, "36.02.40.140.06.03", Normalize("36.02.40.140.06.03\n"))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		code string
		want model.Address
	}{
		{"36.02.40.140.06.03", model.Address{Warehouse: 36, Floor: 2, Row: 40, Section: 140, Shelf: 6, Cell: 3}},
		{"Ц6.06.01.02.01.01", model.Address{Warehouse: 6, Floor: 6, Row: 1, Section: 2, Shelf: 1, Cell: 1}},
		{"36.02.40", model.Address{Warehouse: 36, Floor: 2, Row: 40}},
		{"36.02.XX.140", model.Address{Warehouse: 36, Floor: 2}},
		{"", model.Address{}},
		{"A.B", model.Address{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseAddress(tt.code), "ParseAddress(%q)", tt.code)
	}
}
