package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

// Column aliases accepted in export headers. The first entry of each list is
// the header used by the warehouse system export; the rest are plain aliases.
var columnAliases = map[string][]string{
	"id":      {"Id МХ", "mx_id", "id"},
	"code":    {"Наименование МХ", "mx_code", "code"},
	"floor":   {"Этаж", "floor"},
	"row":     {"Ряд", "row_num", "row"},
	"section": {"Секция", "section"},
	"shelf":   {"Номер полки", "shelf"},
	"cell":    {"Номер ячейки", "cell"},
}

var firstNumber = regexp.MustCompile(`\d+`)

// ExportStats summarizes one decoded export.
type ExportStats struct {
	Rows     int
	Accepted int
	Skipped  int
}

// ReadExportFile decodes a catalog export from disk. encoding is "utf-8"
// (default) or "cp1251".
func ReadExportFile(path, encoding string) ([]model.Location, ExportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ExportStats{}, fmt.Errorf("open export: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8":
	case "cp1251", "windows-1251":
		r = charmap.Windows1251.NewDecoder().Reader(f)
	default:
		return nil, ExportStats{}, fmt.Errorf("unsupported export encoding %q", encoding)
	}
	return ReadExport(r)
}

// ReadExport decodes a semicolon separated export with a header row.
// Rows without an id or code are skipped. Address columns present in the
// export win over components parsed from the code.
func ReadExport(r io.Reader) ([]model.Location, ExportStats, error) {
	var stats ExportStats

	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("read export header: %w", err)
	}
	cols := resolveColumns(header)
	if _, ok := cols["id"]; !ok {
		return nil, stats, fmt.Errorf("export header has no id column")
	}
	if _, ok := cols["code"]; !ok {
		return nil, stats, fmt.Errorf("export header has no code column")
	}

	var locations []model.Location
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read export row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++

		loc, ok := decodeRow(rec, cols)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Accepted++
		locations = append(locations, loc)
	}
	return locations, stats, nil
}

func resolveColumns(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	cols := make(map[string]int)
	for key, aliases := range columnAliases {
		for _, a := range aliases {
			if i, ok := index[a]; ok {
				cols[key] = i
				break
			}
		}
	}
	return cols
}

func decodeRow(rec []string, cols map[string]int) (model.Location, bool) {
	field := func(key string) string {
		i, ok := cols[key]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	id, err := strconv.ParseInt(field("id"), 10, 64)
	if err != nil || id == 0 {
		return model.Location{}, false
	}
	code := field("code")
	if code == "" {
		return model.Location{}, false
	}

	addr := zone.ParseAddress(code)
	// The floor column holds labels like "Центртерминал 6".
	if m := firstNumber.FindString(field("floor")); m != "" {
		if v, err := strconv.Atoi(m); err == nil && v != 0 {
			addr.Floor = v
		}
	}
	overrideInt(&addr.Row, field("row"))
	overrideInt(&addr.Section, field("section"))
	overrideInt(&addr.Shelf, field("shelf"))
	overrideInt(&addr.Cell, field("cell"))

	return model.Location{ID: id, Code: code, Address: addr}, true
}

// overrideInt replaces *dst with a non-zero numeric value. Values like "40.0"
// occur in spreadsheet exports.
func overrideInt(dst *int, s string) {
	if s == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || f == 0 {
		return
	}
	*dst = int(f)
}
