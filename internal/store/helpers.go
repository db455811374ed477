package store

import (
	"fmt"
	"strings"
)

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// updateBuilder accumulates SET clauses for a partial UPDATE
type updateBuilder struct {
	sets []string
	vals []interface{}
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{}
}

func (b *updateBuilder) set(column string, value interface{}) {
	b.vals = append(b.vals, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.vals)))
}

func (b *updateBuilder) empty() bool {
	return len(b.sets) == 0
}

func (b *updateBuilder) clauses() string {
	return strings.Join(b.sets, ", ")
}

// next returns the placeholder index for the WHERE argument
func (b *updateBuilder) next() int {
	return len(b.vals) + 1
}

// args returns the accumulated values followed by the WHERE arguments
func (b *updateBuilder) args(where ...interface{}) []interface{} {
	return append(append([]interface{}{}, b.vals...), where...)
}
