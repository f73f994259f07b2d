package swr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRules(t *testing.T) {
	r := DefaultRules()

	assert.Equal(t, []string{"catalog:officers:merged*", "catalog:counts"}, r.Patterns("officer-overlay"))
	assert.Equal(t, []string{"catalog:ships:merged*", "catalog:counts"}, r.Patterns("ship-overlay"))
	assert.Nil(t, r.Patterns("unknown"))
	assert.Contains(t, r.Names(), "reservation")
}

func TestRules_Register(t *testing.T) {
	r := NewRules(nil)
	r.Register("notes", "notes*")
	r.Register("notes", "notes*", "", "notes:count")

	assert.Equal(t, []string{"notes*", "notes:count"}, r.Patterns("notes"))
}

func TestRules_PatternsIsCopy(t *testing.T) {
	r := NewRules(map[string][]string{"a": {"x", "y"}})

	got := r.Patterns("a")
	got[0] = "mutated"

	assert.Equal(t, []string{"x", "y"}, r.Patterns("a"))
}
