// Package testutil provides shared test utilities and fixtures.
//
// Helpers fail the calling test directly, so callers can build occupied
// pyramids in a line or two.
package testutil

import (
	"testing"

	"github.com/trajpipe/pyramid/internal/pyramid"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// MustBuild returns an empty pyramid of the given height.
func MustBuild(t testing.TB, height int) *pyramid.Pyramid {
	t.Helper()
	p, err := pyramid.Build(height)
	AssertNoError(t, err)
	return p
}

// Occupy marks ref as holding a model. An empty modelRef defaults to
// "/repo/models/<h>_<i>".
func Occupy(t testing.TB, p *pyramid.Pyramid, ref pyramid.CellRef, tokens uint64, modelRef string) {
	t.Helper()
	c, err := p.Cell(ref)
	AssertNoError(t, err)
	if modelRef == "" {
		modelRef = "/repo/models/" + ref.StorageKey()
	}
	c.Occupied, c.ModelRef, c.TokenCount = true, modelRef, tokens
	AssertNoError(t, p.SetCell(c))
}

// Ref is shorthand for pyramid.CellRef{Height: h, Index: i}.
func Ref(h int, i uint64) pyramid.CellRef {
	return pyramid.CellRef{Height: h, Index: i}
}
