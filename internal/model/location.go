package model

// Address is the structured position decoded from a location code.
// Components that could not be decoded are zero.
type Address struct {
	Warehouse int `json:"warehouse"`
	Floor     int `json:"floor"`
	Row       int `json:"row"`
	Section   int `json:"section"`
	Shelf     int `json:"shelf"`
	Cell      int `json:"cell"`
}

// Distance is the L1 distance over (floor, row, section).
func (a Address) Distance(b Address) int {
	return absInt(a.Floor-b.Floor) + absInt(a.Row-b.Row) + absInt(a.Section-b.Section)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Location is a single addressable storage position owned by the catalog.
type Location struct {
	ID      int64   `json:"place_cod"`
	Code    string  `json:"place_name"`
	Address Address `json:"address"`
}

// RankedLocation is a location with its distance from a reference address.
type RankedLocation struct {
	Location
	Distance int
}
