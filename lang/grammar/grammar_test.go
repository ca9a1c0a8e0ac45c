package grammar

import (
	"os"
	"testing"

	"golang.org/x/exp/ebnf"
)

// TestEBNF verifies that cassette.ebnf is a self-consistent grammar (every
// referenced production is defined) and that it reaches the Program start
// symbol. This is documentation, not a generated parser: lang/parser is a
// hand-written PEG engine, not derived from this file, so the two must be
// kept in sync by hand when the surface syntax changes.
func TestEBNF(t *testing.T) {
	f, err := os.Open("cassette.ebnf")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	g, err := ebnf.Parse("cassette.ebnf", f)
	if err != nil {
		t.Fatal(err)
	}
	if err := ebnf.Verify(g, "Program"); err != nil {
		t.Fatal(err)
	}
}
