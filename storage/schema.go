package storage

// Column declares one field of a table.
type Column struct {
	Name          string
	Version       int    // Schema version the column was introduced in
	Unique        bool   // Reject two rows with the same value
	MultiEntry    bool   // Array values are indexed per element
	ForeignTable  string // Table whose primary key this column references
	Nullable      bool
	CascadeDelete bool // Deleting the referenced row deletes this row
}

// Table declares a table. The first column is the primary key unless PrimaryKey is set.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

func (t *Table) keyColumns() []string {
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey
	}
	return []string{t.Columns[0].Name}
}

func (t *Table) soleKey(name string) bool {
	cols := t.keyColumns()
	return len(cols) == 1 && cols[0] == name
}

func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Schema is the full set of tables at one version. Tables are ordered so that
// referenced tables come before the tables that reference them.
type Schema struct {
	Version int
	Tables  []Table
}

func (s *Schema) table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Migration transforms every row stored at one older version straight into the
// current schema. It receives rows grouped by table name.
type Migration func(rows map[string][]Record) (map[string][]Record, error)

// KeyRange selects keys between two bounds. A nil *KeyRange selects everything.
type KeyRange struct {
	Lower     any
	Upper     any
	LowerOpen bool
	UpperOpen bool
}

// Only selects exactly one key.
func Only(key any) *KeyRange {
	k := normalizeKey(key)
	return &KeyRange{Lower: k, Upper: k}
}

// Bound selects keys between lower and upper. Either bound may be nil for an open end.
func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{
		Lower:     normalizeKey(lower),
		Upper:     normalizeKey(upper),
		LowerOpen: lowerOpen,
		UpperOpen: upperOpen,
	}
}

func (r *KeyRange) contains(key any) bool {
	if r == nil {
		return true
	}
	if r.Lower != nil {
		c := compareKeys(key, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := compareKeys(key, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}
