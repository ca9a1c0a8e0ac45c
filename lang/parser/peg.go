// Package parser implements a PEG (parsing expression grammar) engine over
// Cassette's token stream, producing lang/ast trees (spec.md §4.2). The
// combinator shapes here — Choice, ZeroOrMore, OneOrMore, Optional, And, Not
// — and the farthest-failure-position error strategy are grounded on
// clarete-langlang's go/parser.go Backtrackable engine, narrowed from a
// rune-level grammar to a token-level one since lang/lexer already handles
// the character-level concerns (identifiers, numbers, strings, comments).
package parser

import (
	"fmt"

	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/lexer"
)

// Error is a parse error at the farthest position the parser managed to
// reach before every alternative failed (spec.md §7 ParseError).
type Error struct {
	Pos      int
	Expected []string
}

func (e *Error) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("%d: parse error", e.Pos)
	}
	return fmt.Sprintf("%d: expected %s", e.Pos, joinUnique(e.Expected))
}

func joinUnique(in []string) string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	s := ""
	for i, v := range out {
		if i > 0 {
			s += " or "
		}
		s += v
	}
	return s
}

// Parser holds the token stream and farthest-failure-position state used to
// produce a single, best possible error when every alternative backtracks.
type Parser struct {
	toks []lexer.Token
	pos  int

	ffp       int
	ffpExpect []string
}

func newParser(toks []lexer.Token) *Parser {
	return &Parser{toks: toks}
}

// fn is the shape every grammar rule implements: attempt a match starting at
// the parser's current position, returning the matched node on success. On
// failure it must leave the parser's position unspecified; callers restore
// it via backtrack.
type fn func(p *Parser) (*ast.Node, bool)

func (p *Parser) mark() int       { return p.pos }
func (p *Parser) backtrack(m int) { p.pos = m }

func (p *Parser) cur() lexer.Token {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return p.toks[len(p.toks)-1] // EOF sentinel is always last
}

func (p *Parser) fail(expected string) {
	if p.pos > p.ffp {
		p.ffp = p.pos
		p.ffpExpect = []string{expected}
	} else if p.pos == p.ffp {
		p.ffpExpect = append(p.ffpExpect, expected)
	}
}

func (p *Parser) failErr() error {
	pos := p.cur().Start
	if p.ffp < len(p.toks) {
		pos = p.toks[p.ffp].Start
	}
	return &Error{Pos: pos, Expected: p.ffpExpect}
}

// tok matches a single token of kind k, advancing on success.
func (p *Parser) tok(k lexer.Kind) (lexer.Token, bool) {
	t := p.cur()
	if t.Kind != k {
		p.fail(k.String())
		return lexer.Token{}, false
	}
	p.pos++
	return t, true
}

// choice tries each alternative in order, backtracking between them, per
// PEG's ordered-choice semantics (the first success wins, unlike a grammar's
// alternation which is ambiguous).
func (p *Parser) choice(fns ...fn) (*ast.Node, bool) {
	start := p.mark()
	for _, f := range fns {
		if n, ok := f(p); ok {
			return n, true
		}
		p.backtrack(start)
	}
	return nil, false
}

// seq matches every fn in order, backtracking the whole sequence if any one
// fails.
func (p *Parser) seq(fns ...fn) ([]*ast.Node, bool) {
	start := p.mark()
	out := make([]*ast.Node, 0, len(fns))
	for _, f := range fns {
		n, ok := f(p)
		if !ok {
			p.backtrack(start)
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// star matches fn zero or more times (PEG's `*`), stopping at the first
// failure without consuming it.
func (p *Parser) star(f fn) []*ast.Node {
	var out []*ast.Node
	for {
		save := p.mark()
		n, ok := f(p)
		if !ok {
			p.backtrack(save)
			return out
		}
		out = append(out, n)
	}
}

// plus matches fn one or more times (PEG's `+`).
func (p *Parser) plus(f fn) ([]*ast.Node, bool) {
	first, ok := f(p)
	if !ok {
		return nil, false
	}
	return append([]*ast.Node{first}, p.star(f)...), true
}

// opt matches fn zero or one times (PEG's `?`), never failing.
func (p *Parser) opt(f fn) *ast.Node {
	save := p.mark()
	n, ok := f(p)
	if !ok {
		p.backtrack(save)
		return nil
	}
	return n
}

// and is the positive predicate `&fn`: succeeds without consuming input if
// fn would match.
func (p *Parser) and(f fn) bool {
	save := p.mark()
	_, ok := f(p)
	p.backtrack(save)
	return ok
}

// not is the negative predicate `!fn`: succeeds without consuming input if
// fn would fail.
func (p *Parser) not(f fn) bool {
	save := p.mark()
	_, ok := f(p)
	p.backtrack(save)
	return !ok
}

// skipNewlines consumes zero or more NEWLINE tokens, used between statements
// where blank lines are insignificant.
func (p *Parser) skipNewlines() {
	for p.cur().Kind == lexer.NEWLINE {
		p.pos++
	}
}
