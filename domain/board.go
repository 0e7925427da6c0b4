package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BoardColumn describes one column of a board.
type BoardColumn struct {
	Key          string `json:"key" yaml:"key"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	Capacity     *int   `json:"capacity,omitempty" yaml:"capacity,omitempty"` // nil means unbounded
	DisplayOrder int    `json:"displayOrder" yaml:"display_order"`
}

// Unbounded reports whether the column has no capacity limit.
func (c BoardColumn) Unbounded() bool { return c.Capacity == nil }

// AtCapacity reports whether count items already fill the column.
func (c BoardColumn) AtCapacity(count int) bool {
	return c.Capacity != nil && count >= *c.Capacity
}

// BoardConfig is the static description of a board's columns.
type BoardConfig struct {
	Name    string        `json:"name" yaml:"name"`
	Columns []BoardColumn `json:"columns" yaml:"columns"`

	index map[string]int
}

// NewBoardConfig validates columns and returns a config ordered by display order.
func NewBoardConfig(name string, columns []BoardColumn) (BoardConfig, error) {
	if len(columns) == 0 {
		return BoardConfig{}, errors.New("board must define at least one column")
	}
	cols := make([]BoardColumn, len(columns))
	copy(cols, columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].DisplayOrder < cols[j].DisplayOrder })

	index := make(map[string]int, len(cols))
	for i, col := range cols {
		key := strings.TrimSpace(col.Key)
		if key == "" {
			return BoardConfig{}, fmt.Errorf("column %d has an empty key", i)
		}
		if key != col.Key {
			return BoardConfig{}, fmt.Errorf("column key %q has surrounding whitespace", col.Key)
		}
		if _, dup := index[key]; dup {
			return BoardConfig{}, fmt.Errorf("duplicate column key %q", key)
		}
		if col.Capacity != nil && *col.Capacity <= 0 {
			return BoardConfig{}, fmt.Errorf("column %q capacity must be positive, got %d", key, *col.Capacity)
		}
		if col.Capacity != nil {
			c := *col.Capacity
			cols[i].Capacity = &c
		}
		index[key] = i
	}
	return BoardConfig{Name: name, Columns: cols, index: index}, nil
}

// Column resolves a column by key.
func (b BoardConfig) Column(key string) (BoardColumn, bool) {
	if b.index == nil {
		for _, col := range b.Columns {
			if col.Key == key {
				return col, true
			}
		}
		return BoardColumn{}, false
	}
	i, ok := b.index[key]
	if !ok {
		return BoardColumn{}, false
	}
	return b.Columns[i], true
}

// HasColumn reports whether key names a column of the board.
func (b BoardConfig) HasColumn(key string) bool {
	_, ok := b.Column(key)
	return ok
}

// Keys returns column keys in display order.
func (b BoardConfig) Keys() []string {
	keys := make([]string, len(b.Columns))
	for i, col := range b.Columns {
		keys[i] = col.Key
	}
	return keys
}

// IntPtr is a small helper for declaring capacities in code.
func IntPtr(v int) *int { return &v }
