// Package storage implements a schema-versioned record store with foreign-key
// and nullability validation on top of pluggable durable backends.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"reddit-marker/pkg/marker"
)

// VersionField is stamped on every written record with the schema version active at write time.
const VersionField = "dbVersion"

// Store holds every table in memory and writes through to a Backend.
type Store struct {
	mu      sync.RWMutex
	schema  Schema
	backend Backend
	logger  *slog.Logger
	tables  map[string]map[string]Record // table -> encoded key -> record
}

// Open loads the backend and brings it to schema.Version. A stored version with no
// registered migration, or one newer than the schema, fails with a MigrationError.
func Open(ctx context.Context, backend Backend, schema Schema, migrations map[int]Migration, logger *slog.Logger) (*Store, error) {
	s := &Store{
		schema:  schema,
		backend: backend,
		logger:  logger,
	}
	s.resetTables()

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load backend: %w", err)
	}

	switch {
	case snap.Version == 0:
		logger.Info("Initializing new store", "version", schema.Version)
		if err := backend.SetVersion(ctx, schema.Version); err != nil {
			return nil, fmt.Errorf("set version: %w", err)
		}
		return s, nil

	case snap.Version > schema.Version:
		return nil, &marker.MigrationError{From: snap.Version, To: schema.Version}

	case snap.Version == schema.Version:
		rows, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		for name, list := range rows {
			t, ok := schema.table(name)
			if !ok {
				logger.Warn("Ignoring rows for unknown table", "table", name, "count", len(list))
				continue
			}
			for _, r := range list {
				key, err := primaryKey(t, r)
				if err != nil {
					return nil, fmt.Errorf("load %s: %w", name, err)
				}
				s.tables[name][encodeKey(key)] = r
			}
		}
		logger.Info("Store opened", "version", schema.Version, "tables", len(rows))
		return s, nil
	}

	migrate, ok := migrations[snap.Version]
	if !ok {
		return nil, &marker.MigrationError{From: snap.Version, To: schema.Version}
	}
	if err := s.migrate(ctx, snap, migrate); err != nil {
		return nil, &marker.MigrationError{From: snap.Version, To: schema.Version, Err: err}
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, snap *Snapshot, migrate Migration) error {
	s.logger.Info("Migrating store", "from", snap.Version, "to", s.schema.Version)

	rows, err := decodeSnapshot(snap)
	if err != nil {
		return err
	}
	migrated, err := migrate(rows)
	if err != nil {
		return fmt.Errorf("run migration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every migrated row must validate before the stored rows are replaced.
	scratch := make(map[string]map[string]Record, len(s.schema.Tables))
	for _, t := range s.schema.Tables {
		scratch[t.Name] = make(map[string]Record)
	}
	for _, t := range s.schema.Tables {
		for _, r := range migrated[t.Name] {
			delete(r, VersionField)
			id, err := s.checkLocked(scratch, t.Name, r, writeAny)
			if err != nil {
				return fmt.Errorf("validate %s: %w", t.Name, err)
			}
			r[VersionField] = float64(s.schema.Version)
			scratch[t.Name][id] = r
		}
	}

	if err := s.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset backend: %w", err)
	}
	for _, t := range s.schema.Tables {
		for id, r := range scratch[t.Name] {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal %s row: %w", t.Name, err)
			}
			if err := s.backend.Put(ctx, t.Name, id, data); err != nil {
				return fmt.Errorf("rewrite %s: %w", t.Name, err)
			}
		}
	}
	if err := s.backend.SetVersion(ctx, s.schema.Version); err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	s.tables = scratch
	s.logger.Info("Store migrated", "from", snap.Version, "to", s.schema.Version)
	return nil
}

func decodeSnapshot(snap *Snapshot) (map[string][]Record, error) {
	rows := make(map[string][]Record, len(snap.Tables))
	for name, list := range snap.Tables {
		for _, data := range list {
			var r Record
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("decode %s row: %w", name, err)
			}
			rows[name] = append(rows[name], r)
		}
	}
	return rows, nil
}

func (s *Store) resetTables() {
	s.tables = make(map[string]map[string]Record, len(s.schema.Tables))
	for _, t := range s.schema.Tables {
		s.tables[t.Name] = make(map[string]Record)
	}
}

// Version returns the active schema version.
func (s *Store) Version() int {
	return s.schema.Version
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get returns the record stored under key, or nil if there is none.
func (s *Store) Get(ctx context.Context, table string, key any) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.tables[table]
	if !ok {
		return nil, &marker.ValidationError{Table: table, Message: "unknown table"}
	}
	r, ok := rows[encodeKey(normalizeKey(key))]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

// List returns records whose index value lies in rng, ordered by index value then
// primary key. An empty index means the primary key. A nil rng selects everything.
func (s *Store) List(ctx context.Context, table string, rng *KeyRange, index string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.matchLocked(table, rng, index)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(matches))
	for i, m := range matches {
		out[i] = cloneRecord(m.record)
	}
	return out, nil
}

type match struct {
	id     string
	pk     any
	sortBy any
	record Record
}

func (s *Store) matchLocked(table string, rng *KeyRange, index string) ([]match, error) {
	t, ok := s.schema.table(table)
	if !ok {
		return nil, &marker.ValidationError{Table: table, Message: "unknown table"}
	}
	var col Column
	if index != "" {
		if col, ok = t.column(index); !ok {
			return nil, &marker.ValidationError{Table: table, Field: index, Message: "unknown index"}
		}
	}

	var out []match
	for id, r := range s.tables[table] {
		pk, err := primaryKey(t, r)
		if err != nil {
			return nil, err
		}
		if index == "" {
			if rng.contains(pk) {
				out = append(out, match{id: id, pk: pk, sortBy: pk, record: r})
			}
			continue
		}
		for _, v := range indexValues(col, r[index]) {
			if rng.contains(v) {
				out = append(out, match{id: id, pk: pk, sortBy: v, record: r})
				break
			}
		}
	}

	slices.SortFunc(out, func(a, b match) int {
		if c := compareKeys(a.sortBy, b.sortBy); c != 0 {
			return c
		}
		return compareKeys(a.pk, b.pk)
	})
	return out, nil
}

// indexValues returns the index entries a column value produces.
func indexValues(col Column, v any) []any {
	if arr, ok := v.([]any); ok && col.MultiEntry {
		var out []any
		for _, e := range arr {
			if validKey(e) {
				out = append(out, e)
			}
		}
		return out
	}
	if validKey(v) {
		return []any{v}
	}
	return nil
}

func primaryKey(t *Table, r Record) (any, error) {
	cols := t.keyColumns()
	if len(cols) == 1 {
		v := r[cols[0]]
		if !validKey(v) {
			return nil, &marker.ValidationError{Table: t.Name, Field: cols[0], Message: "invalid key value"}
		}
		return v, nil
	}
	key := make([]any, len(cols))
	for i, c := range cols {
		v := r[c]
		if !validKey(v) {
			return nil, &marker.ValidationError{Table: t.Name, Field: c, Message: "invalid key value"}
		}
		key[i] = v
	}
	return key, nil
}

type writeMode int

const (
	writeAny writeMode = iota
	writeInsert
	writeUpdate
)

// Set validates and writes a record, replacing any row with the same key.
func (s *Store) Set(ctx context.Context, table string, v any) error {
	return s.write(ctx, table, v, writeAny)
}

// Insert writes a record that must not exist yet.
func (s *Store) Insert(ctx context.Context, table string, v any) error {
	return s.write(ctx, table, v, writeInsert)
}

// Update writes a record that must already exist.
func (s *Store) Update(ctx context.Context, table string, v any) error {
	return s.write(ctx, table, v, writeUpdate)
}

// Write is one row of a SetAll batch.
type Write struct {
	Table string
	Value any
}

// SetAll validates every write before storing any of them, so a rejected row
// leaves the batch unwritten. Rows are checked against stored rows, not against
// each other.
func (s *Store) SetAll(ctx context.Context, writes ...Write) error {
	records := make([]Record, len(writes))
	for i, w := range writes {
		r, err := toRecord(w.Value)
		if err != nil {
			return &marker.ValidationError{Table: w.Table, Message: err.Error()}
		}
		delete(r, VersionField)
		records[i] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range writes {
		if _, err := s.checkLocked(s.tables, w.Table, records[i], writeAny); err != nil {
			return err
		}
	}
	for i, w := range writes {
		if err := s.setLocked(ctx, w.Table, records[i], writeAny); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, table string, v any, mode writeMode) error {
	r, err := toRecord(v)
	if err != nil {
		return &marker.ValidationError{Table: table, Message: err.Error()}
	}
	delete(r, VersionField)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, table, r, mode)
}

func (s *Store) setLocked(ctx context.Context, table string, r Record, mode writeMode) error {
	id, err := s.checkLocked(s.tables, table, r, mode)
	if err != nil {
		return err
	}

	r[VersionField] = float64(s.schema.Version)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", table, err)
	}
	if err := s.backend.Put(ctx, table, id, data); err != nil {
		return fmt.Errorf("write %s row: %w", table, err)
	}
	s.tables[table][id] = r
	return nil
}

// checkLocked validates r against the rows in tables without writing anything
// and returns the encoded primary key.
func (s *Store) checkLocked(tables map[string]map[string]Record, table string, r Record, mode writeMode) (string, error) {
	t, ok := s.schema.table(table)
	if !ok {
		return "", &marker.ValidationError{Table: table, Message: "unknown table"}
	}

	for name, v := range r {
		col, ok := t.column(name)
		if !ok || col.Version > s.schema.Version {
			return "", &marker.ValidationError{Table: table, Field: name, Message: "unknown field"}
		}
		if v == nil && col.Nullable {
			delete(r, name)
		}
	}
	for _, col := range t.Columns {
		if col.Version > s.schema.Version || col.Nullable {
			continue
		}
		if v, ok := r[col.Name]; !ok || v == nil {
			return "", &marker.ValidationError{Table: table, Field: col.Name, Message: "missing required field"}
		}
	}

	pk, err := primaryKey(t, r)
	if err != nil {
		return "", err
	}
	id := encodeKey(pk)
	_, exists := tables[table][id]
	switch {
	case mode == writeInsert && exists:
		return "", fmt.Errorf("insert %s %s: %w", table, id, marker.ErrAlreadyExists)
	case mode == writeUpdate && !exists:
		return "", fmt.Errorf("update %s %s: %w", table, id, marker.ErrNotFound)
	}

	for _, col := range t.Columns {
		v, ok := r[col.Name]
		if !ok {
			continue
		}
		if col.ForeignTable != "" {
			target, ok := tables[col.ForeignTable]
			if !ok {
				return "", &marker.ValidationError{Table: table, Field: col.Name, Message: "unknown foreign table " + col.ForeignTable}
			}
			if !validKey(v) {
				return "", &marker.ValidationError{Table: table, Field: col.Name, Message: "invalid foreign key value"}
			}
			if _, ok := target[encodeKey(v)]; !ok {
				return "", &marker.ValidationError{Table: table, Field: col.Name, Message: fmt.Sprintf("no %s row with key %s", col.ForeignTable, encodeKey(v))}
			}
		}
		// A sole primary key is already unique through the row map.
		if col.Unique && !t.soleKey(col.Name) {
			if err := checkUnique(tables[table], t, col, v, id); err != nil {
				return "", err
			}
		}
	}
	return id, nil
}

func checkUnique(rows map[string]Record, t *Table, col Column, v any, id string) error {
	values := indexValues(col, v)
	for otherID, other := range rows {
		if otherID == id {
			continue
		}
		for _, ov := range indexValues(col, other[col.Name]) {
			for _, nv := range values {
				if compareKeys(ov, nv) == 0 {
					return &marker.ValidationError{Table: t.Name, Field: col.Name, Message: "duplicate value for unique column"}
				}
			}
		}
	}
	return nil
}

// Delete removes every record whose index value lies in rng and returns how many
// rows of table were removed. Rows referencing them through CascadeDelete columns
// are removed too; any other reference blocks the delete with a ValidationError.
func (s *Store) Delete(ctx context.Context, table string, rng *KeyRange, index string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := s.matchLocked(table, rng, index)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	for _, m := range matches {
		if err := s.checkDeleteLocked(table, m.id, m.pk, seen); err != nil {
			return 0, err
		}
	}
	for _, m := range matches {
		if err := s.deleteLocked(ctx, table, m.id, m.pk); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// checkDeleteLocked follows cascades from one row and fails on the first
// reference that would block its deletion. Nothing is removed.
func (s *Store) checkDeleteLocked(table, id string, pk any, seen map[string]bool) error {
	if seen[table+"/"+id] {
		return nil
	}
	seen[table+"/"+id] = true

	for _, t := range s.schema.Tables {
		for _, col := range t.Columns {
			if col.ForeignTable != table {
				continue
			}
			refs, err := s.matchLocked(t.Name, &KeyRange{Lower: pk, Upper: pk}, col.Name)
			if err != nil {
				return err
			}
			if len(refs) > 0 && !col.CascadeDelete {
				return &marker.ValidationError{Table: table, Message: fmt.Sprintf("row %s is referenced by %s.%s", id, t.Name, col.Name)}
			}
			for _, ref := range refs {
				if err := s.checkDeleteLocked(t.Name, ref.id, ref.pk, seen); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, table, id string, pk any) error {
	if _, ok := s.tables[table][id]; !ok {
		return nil
	}
	for _, t := range s.schema.Tables {
		for _, col := range t.Columns {
			if col.ForeignTable != table {
				continue
			}
			refs, err := s.matchLocked(t.Name, &KeyRange{Lower: pk, Upper: pk}, col.Name)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				continue
			}
			if !col.CascadeDelete {
				return &marker.ValidationError{Table: table, Message: fmt.Sprintf("row %s is referenced by %s.%s", id, t.Name, col.Name)}
			}
			for _, ref := range refs {
				if err := s.deleteLocked(ctx, t.Name, ref.id, ref.pk); err != nil {
					return err
				}
			}
		}
	}
	if err := s.backend.Delete(ctx, table, id); err != nil {
		return fmt.Errorf("delete %s row: %w", table, err)
	}
	delete(s.tables[table], id)
	return nil
}

// Clear removes every row from every table.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset backend: %w", err)
	}
	s.resetTables()
	s.logger.Info("Store cleared")
	return nil
}
