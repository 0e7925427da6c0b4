// Package view projects store contents onto a board's columns.
package view

import (
	"sort"

	"prism-pipeline/domain"
)

type Column struct {
	Key          string                `json:"key"`
	Title        string                `json:"title,omitempty"`
	Capacity     *int                  `json:"capacity,omitempty"`
	Count        int                   `json:"count"`
	OverCapacity bool                  `json:"overCapacity,omitempty"`
	Items        []domain.WorkflowItem `json:"items"`
}

type View struct {
	Board   string   `json:"board"`
	Columns []Column `json:"columns"`
}

// Project groups items by column in display order. Within a column, items with an order
// hint come first sorted by hint; the rest keep the order they were given in.
// Items whose status is not a column are skipped.
func Project(cfg domain.BoardConfig, items []domain.WorkflowItem) View {
	byKey := make(map[string][]domain.WorkflowItem, len(cfg.Columns))
	for _, it := range items {
		if !cfg.HasColumn(it.Status) {
			continue
		}
		byKey[it.Status] = append(byKey[it.Status], it)
	}
	v := View{Board: cfg.Name, Columns: make([]Column, 0, len(cfg.Columns))}
	for _, col := range cfg.Columns {
		colItems := byKey[col.Key]
		sort.SliceStable(colItems, func(i, j int) bool {
			a, b := colItems[i].OrderHint, colItems[j].OrderHint
			switch {
			case a != nil && b != nil:
				return *a < *b
			case a != nil:
				return true
			default:
				return false
			}
		})
		if colItems == nil {
			colItems = []domain.WorkflowItem{}
		}
		v.Columns = append(v.Columns, Column{
			Key:      col.Key,
			Title:    col.Title,
			Capacity: col.Capacity,
			Count:    len(colItems),
			// concurrent writers on other clients can push a column past its limit
			OverCapacity: col.Capacity != nil && len(colItems) > *col.Capacity,
			Items:        colItems,
		})
	}
	return v
}

// Column returns the projected column with the given key.
func (v View) Column(key string) (Column, bool) {
	for _, c := range v.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}
