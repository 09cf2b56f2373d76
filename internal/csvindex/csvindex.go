// Package csvindex parses CSV side-tables and builds integer-keyed lookup
// indexes over a chosen column (spec.md §4.G), the way the teacher's
// conftamer/event_log.go and conftamer/behavior_map.go read and write CSV
// files with encoding/csv.
package csvindex

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Table is a parsed CSV file plus an integer-keyed index over one column.
type Table struct {
	Basename string
	Column   int
	Records  []*Record
	byValue  map[int64][]*Record
}

// Record is one row of a parsed CSV file (spec.md §3's "Record").
type Record struct {
	Fields []string
}

// cache deduplicates loads by absolute path within one parser run, the same
// way internal/pluginreg deduplicates plugin loads by canonical path.
type cache struct {
	byPath map[string]*Table
}

func newCache() *cache { return &cache{byPath: map[string]*Table{}} }

// Loader loads and indexes CSV files, caching by absolute path.
type Loader struct {
	c *cache
}

func NewLoader() *Loader { return &Loader{c: newCache()} }

// Load parses path and indexes column (0-based) as integers. Re-loading the
// same path with the same column returns the cached Table; re-loading with a
// different column re-parses (a file can be indexed on more than one
// column across different rules).
func (l *Loader) Load(path string, column int) (*Table, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving CSV path %s: %w", path, err)
	}
	key := fmt.Sprintf("%s#%d", abs, column)
	if t, ok := l.c.byPath[key]; ok {
		return t, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	t := &Table{
		Basename: filepath.Base(abs),
		Column:   column,
		byValue:  map[int64][]*Record{},
	}
	for {
		row, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading CSV %s: %w", path, err)
		}
		rec := &Record{Fields: row}
		t.Records = append(t.Records, rec)
		if column < len(row) {
			if v, err := strconv.ParseInt(row[column], 0, 64); err == nil {
				t.byValue[v] = append(t.byValue[v], rec)
			}
		}
	}

	l.c.byPath[key] = t
	return t, nil
}

// Lookup returns every record whose indexed column equals v.
func (t *Table) Lookup(v int64) []*Record {
	return t.byValue[v]
}

// Values returns every distinct integer value present in the indexed
// column, in file order, deduplicated — used to build a MatchTest's
// ValuePayload.
func (t *Table) Values() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, rec := range t.Records {
		if t.Column >= len(rec.Fields) {
			continue
		}
		v, err := strconv.ParseInt(rec.Fields[t.Column], 0, 64)
		if err != nil {
			continue
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// RecordFor returns the (first) record backing value v, for CSV binding.
func (t *Table) RecordFor(v int64) *Record {
	recs := t.byValue[v]
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}
