// Package ingest parses local input files: multiresolution probability
// tables, telescope field-centre grids and galaxy catalogs.
package ingest

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// FieldCentre is one pointing of a telescope grid, in degrees.
type FieldCentre struct {
	ID  int64   `json:"id"`
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Galaxy is one catalog row, in degrees.
type Galaxy struct {
	Name string  `json:"name"`
	RA   float64 `json:"ra"`
	Dec  float64 `json:"dec"`
}

// ProbabilityTable reads CSV rows of (nuniq, density). A header row is
// optional; when present the columns are located by name (UNIQ or NUNIQ,
// PROBDENSITY or DENSITY, case-insensitive) and extra columns are ignored.
func ProbabilityTable(r io.Reader) ([]region.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	uniqCol, densityCol := 0, 1
	var rows []region.Row
	for first := true; ; first = false {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "read probability table")
		}
		line, _ := reader.FieldPos(0) // file line, counting comments
		if first && !isNumber(rec[0]) {
			uniqCol, densityCol, err = tableColumns(rec)
			if err != nil {
				return nil, err
			}
			continue
		}
		if len(rec) <= uniqCol || len(rec) <= densityCol {
			return nil, skyerr.Malformed("line %d: expected at least %d columns", line, max(uniqCol, densityCol)+1)
		}
		nuniq, err := strconv.ParseInt(strings.TrimSpace(rec[uniqCol]), 10, 64)
		if err != nil {
			return nil, skyerr.Malformed("line %d: bad packed index %q", line, rec[uniqCol])
		}
		density, err := strconv.ParseFloat(strings.TrimSpace(rec[densityCol]), 64)
		if err != nil {
			return nil, skyerr.Malformed("line %d: bad density %q", line, rec[densityCol])
		}
		rows = append(rows, region.Row{NUniq: nuniq, Density: density})
	}
	return rows, nil
}

func tableColumns(header []string) (uniq, density int, err error) {
	uniq, density = -1, -1
	for i, name := range header {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "UNIQ", "NUNIQ":
			uniq = i
		case "PROBDENSITY", "DENSITY":
			density = i
		}
	}
	if uniq < 0 || density < 0 {
		return 0, 0, skyerr.Malformed("header %q lacks uniq and density columns", strings.Join(header, ","))
	}
	return uniq, density, nil
}

// FieldCentres reads a whitespace-separated field grid: ID, RA and Dec in
// the first three columns. Blank lines and lines starting with % or # are
// skipped, which covers the ZTF and DECam grid files.
func FieldCentres(r io.Reader) ([]FieldCentre, error) {
	var out []FieldCentre
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '%' || text[0] == '#' {
			continue
		}
		cols := strings.Fields(text)
		if len(cols) < 3 {
			return nil, skyerr.Malformed("line %d: expected id, ra and dec", line)
		}
		id, err := strconv.ParseInt(cols[0], 10, 64)
		if err != nil {
			return nil, skyerr.Malformed("line %d: bad field id %q", line, cols[0])
		}
		ra, dec, err := parseRADec(cols[1], cols[2])
		if err != nil {
			return nil, skyerr.Malformed("line %d: %v", line, err)
		}
		out = append(out, FieldCentre{ID: id, RA: ra, Dec: dec})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read field grid")
	}
	return out, nil
}

// Galaxies reads CSV rows of (name, ra, dec) with an optional header row.
func Galaxies(r io.Reader) ([]Galaxy, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var out []Galaxy
	for first := true; ; first = false {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "read galaxy catalog")
		}
		line, _ := reader.FieldPos(0) // file line, counting comments
		if len(rec) < 3 {
			return nil, skyerr.Malformed("line %d: expected name, ra and dec", line)
		}
		if first && !isNumber(rec[1]) {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if name == "" {
			return nil, skyerr.Malformed("line %d: empty galaxy name", line)
		}
		ra, dec, err := parseRADec(rec[1], rec[2])
		if err != nil {
			return nil, skyerr.Malformed("line %d: %v", line, err)
		}
		out = append(out, Galaxy{Name: name, RA: ra, Dec: dec})
	}
	return out, nil
}

func parseRADec(raText, decText string) (ra, dec float64, err error) {
	ra, err = strconv.ParseFloat(strings.TrimSpace(raText), 64)
	if err != nil {
		return 0, 0, errors.Errorf("bad ra %q", raText)
	}
	dec, err = strconv.ParseFloat(strings.TrimSpace(decText), 64)
	if err != nil {
		return 0, 0, errors.Errorf("bad dec %q", decText)
	}
	return ra, dec, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
