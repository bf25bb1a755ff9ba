// Package zone derives zone identifiers and structured addresses from
// hierarchical dotted location codes such as "36.02.40.140.06.03".
package zone

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/msageha/zonekeeper/internal/model"
)

// Deriver maps a location code to its zone: the first PrefixLen characters.
type Deriver struct {
	PrefixLen int
}

func NewDeriver(prefixLen int) Deriver {
	if prefixLen <= 0 {
		prefixLen = model.DefaultZonePrefixLen
	}
	return Deriver{PrefixLen: prefixLen}
}

// Of returns the zone prefix of code. Codes shorter than the prefix length are
// their own zone. Truncation counts characters, not bytes, since warehouse
// markers may be non-ASCII.
func (d Deriver) Of(code string) string {
	n := d.PrefixLen
	if n <= 0 {
		n = model.DefaultZonePrefixLen
	}
	count := 0
	for i := range code {
		if count == n {
			return code[:i]
		}
		count++
	}
	return code
}

// Contains reports whether code belongs to the zone prefix.
func (d Deriver) Contains(prefix, code string) bool {
	return d.Of(code) == prefix
}

// Normalize makes codes comparable regardless of case and surrounding whitespace.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ParseAddress decodes "<warehouse>.<floor>.<row>.<section>.<shelf>.<cell>".
// The warehouse part keeps only its digits ("Ц6" → 6). Decoding stops at the
// first component that is not an integer; components decoded so far are kept.
func ParseAddress(code string) model.Address {
	var addr model.Address
	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) == 0 {
		return addr
	}

	if digits := strings.Map(keepDigit, parts[0]); digits != "" {
		if v, err := strconv.Atoi(digits); err == nil {
			addr.Warehouse = v
		}
	}

	fields := []*int{&addr.Floor, &addr.Row, &addr.Section, &addr.Shelf, &addr.Cell}
	for i, f := range fields {
		if i+1 >= len(parts) {
			break
		}
		v, err := strconv.Atoi(strings.TrimSpace(parts[i+1]))
		if err != nil {
			break
		}
		*f = v
	}
	return addr
}

func keepDigit(r rune) rune {
	if unicode.IsDigit(r) {
		return r
	}
	return -1
}
