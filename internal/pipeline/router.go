package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"batchingest/internal/schema"
	"batchingest/internal/store"
)

// Route is where the rows of one file go: the target entity and the schema
// its records are checked against.
type Route struct {
	Kind   store.EntityKind
	Schema schema.Schema
}

// Router resolves the route of a source file.
type Router func(path string) (Route, error)

// PrefixRouter routes by file name prefix: customers*, products* and sales*
// (case-insensitive).
func PrefixRouter(path string) (Route, error) {
	base := strings.ToLower(filepath.Base(path))
	for _, k := range store.Kinds() {
		if strings.HasPrefix(base, string(k)) {
			return routeFor(k)
		}
	}
	return Route{}, fmt.Errorf("no entity for file %s: name must start with customers, products or sales", filepath.Base(path))
}

// FixedRouter sends every file to kind.
func FixedRouter(kind store.EntityKind) Router {
	return func(string) (Route, error) { return routeFor(kind) }
}

func routeFor(k store.EntityKind) (Route, error) {
	s, ok := schema.ByName(string(k))
	if !ok {
		return Route{}, fmt.Errorf("no schema for entity %q", k)
	}
	return Route{Kind: k, Schema: s}, nil
}
