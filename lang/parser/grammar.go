package parser

import (
	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/lexer"
)

// Parse tokenizes and parses an entire source file into a single KindDo node
// holding its top-level statements (imports, defs, modules, expressions), per
// spec.md §4.2. It fails if trailing tokens remain after the last statement.
func Parse(src []byte) (*ast.Node, error) {
	toks, err := lexer.Tokens(src)
	if err != nil {
		return nil, err
	}
	p := newParser(toks)
	n, _ := block(p)
	p.skipNewlines()
	if p.cur().Kind != lexer.EOF {
		p.fail("end of file")
		return nil, p.failErr()
	}
	return n, nil
}

// ParseExpr parses a single expression, requiring it to consume the whole of
// src. Used by tests and by tools (e.g. a REPL) that want one expression
// rather than a whole program.
func ParseExpr(src []byte) (*ast.Node, error) {
	toks, err := lexer.Tokens(src)
	if err != nil {
		return nil, err
	}
	p := newParser(toks)
	n, ok := expr(p)
	if !ok {
		return nil, p.failErr()
	}
	p.skipNewlines()
	if p.cur().Kind != lexer.EOF {
		p.fail("end of file")
		return nil, p.failErr()
	}
	return n, nil
}

// block matches zero or more statements, each preceded by any number of
// blank lines, stopping at the first token that starts no statement (an
// `end`/`else` keyword or EOF). It never fails: an empty block is a valid,
// empty KindDo node.
func block(p *Parser) (*ast.Node, bool) {
	startTok := p.cur()
	var stmts []*ast.Node
	for {
		p.skipNewlines()
		n, ok := statement(p)
		if !ok {
			break
		}
		stmts = append(stmts, n)
	}
	s, e := startTok.Start, startTok.Start
	if len(stmts) > 0 {
		s, e = stmts[0].Start, stmts[len(stmts)-1].End
	}
	return ast.New(ast.KindDo, s, e, stmts...), true
}

func statement(p *Parser) (*ast.Node, bool) {
	return p.choice(importStmt, moduleStmt, defStmt, expr)
}

func importStmt(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWIMPORT)
	if !ok {
		return nil, false
	}
	nameTok, ok := p.tok(lexer.IDENT)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindImport, kw.Start, nameTok.End)
	n.Text = nameTok.Text
	return n, true
}

func moduleStmt(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWMODULE)
	if !ok {
		return nil, false
	}
	nameTok, ok := p.tok(lexer.IDENT)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	if _, ok := p.tok(lexer.KWDO); !ok {
		p.backtrack(start)
		return nil, false
	}
	body, _ := block(p)
	p.skipNewlines()
	endTok, ok := p.tok(lexer.KWEND)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindModule, kw.Start, endTok.End, body)
	n.Text = nameTok.Text
	return n, true
}

func defStmt(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWDEF)
	if !ok {
		return nil, false
	}
	nameTok, ok := p.tok(lexer.IDENT)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	if _, ok := p.tok(lexer.EQ); !ok {
		p.backtrack(start)
		return nil, false
	}
	val, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindDef, kw.Start, val.End, val)
	n.Text = nameTok.Text
	return n, true
}

// assignStmt matches a single `name = expr` binding, used only inside a
// let-expression's binding list (spec.md's `assign` node gets its `index`
// attribute later, from lang/simplify's compile-env pass, not here).
func assignStmt(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	nameTok, ok := p.tok(lexer.IDENT)
	if !ok {
		return nil, false
	}
	if _, ok := p.tok(lexer.EQ); !ok {
		p.backtrack(start)
		return nil, false
	}
	val, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindAssign, nameTok.Start, val.End, val)
	n.Text = nameTok.Text
	return n, true
}

func assignList(p *Parser) ([]*ast.Node, bool) {
	first, ok := assignStmt(p)
	if !ok {
		return nil, false
	}
	out := []*ast.Node{first}
	for {
		save := p.mark()
		p.skipNewlines()
		if p.cur().Kind == lexer.COMMA {
			p.pos++
			p.skipNewlines()
		}
		n, ok := assignStmt(p)
		if !ok {
			p.backtrack(save)
			break
		}
		out = append(out, n)
	}
	return out, true
}

func letExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWLET)
	if !ok {
		return nil, false
	}
	binds, ok := assignList(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	p.skipNewlines()
	if _, ok := p.tok(lexer.KWIN); !ok {
		p.backtrack(start)
		return nil, false
	}
	body, _ := block(p)
	p.skipNewlines()
	endTok, ok := p.tok(lexer.KWEND)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	children := append(append([]*ast.Node{}, binds...), body)
	n := ast.New(ast.KindLet, kw.Start, endTok.End, children...)
	n.SetAttr("count", len(binds))
	return n, true
}

// ifExpr matches `if cond do thenBlock [else elseBlock] end`. A missing else
// arm compiles to an empty KindDo, which lang/simplify and the code
// generator both treat as "push nil".
func ifExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWIF)
	if !ok {
		return nil, false
	}
	cond, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	if _, ok := p.tok(lexer.KWDO); !ok {
		p.backtrack(start)
		return nil, false
	}
	thenNode, _ := block(p)
	p.skipNewlines()

	elseNode := ast.New(ast.KindDo, thenNode.End, thenNode.End)
	save := p.mark()
	p.skipNewlines()
	if _, ok := p.tok(lexer.KWELSE); ok {
		elseNode, _ = block(p)
		p.skipNewlines()
	} else {
		p.backtrack(save)
	}

	endTok, ok := p.tok(lexer.KWEND)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	return ast.New(ast.KindIf, kw.Start, endTok.End, cond, thenNode, elseNode), true
}

func doExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWDO)
	if !ok {
		return nil, false
	}
	body, _ := block(p)
	p.skipNewlines()
	endTok, ok := p.tok(lexer.KWEND)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	body.Start, body.End = kw.Start, endTok.End
	return body, true
}

func panicExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWPANIC)
	if !ok {
		return nil, false
	}
	e, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	return ast.New(ast.KindPanic, kw.Start, e.End, e), true
}

// trapExpr matches `trap(id, arg, ...)`, a direct call into the VM's
// primitive table (spec.md §5). id must be a literal integer: trap targets
// are resolved at compile time, never computed at runtime.
func trapExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWTRAP)
	if !ok {
		return nil, false
	}
	if _, ok := p.tok(lexer.LPAREN); !ok {
		p.backtrack(start)
		return nil, false
	}
	idTok, ok := p.tok(lexer.INT)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	var args []*ast.Node
	for p.cur().Kind == lexer.COMMA {
		p.pos++
		a, ok := expr(p)
		if !ok {
			p.backtrack(start)
			return nil, false
		}
		args = append(args, a)
	}
	closeTok, ok := p.tok(lexer.RPAREN)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindTrap, kw.Start, closeTok.End, args...)
	n.IntVal = idTok.IntVal
	return n, true
}

func refExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	kw, ok := p.tok(lexer.KWREF)
	if !ok {
		return nil, false
	}
	idTok, ok := p.tok(lexer.IDENT)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	idNode := ast.NewText(ast.KindID, idTok.Start, idTok.End, idTok.Text)
	return ast.New(ast.KindRef, kw.Start, idTok.End, idNode), true
}

func identExpr(p *Parser) (*ast.Node, bool) {
	t, ok := p.tok(lexer.IDENT)
	if !ok {
		return nil, false
	}
	return ast.NewText(ast.KindID, t.Start, t.End, t.Text), true
}

func intExpr(p *Parser) (*ast.Node, bool) {
	t, ok := p.tok(lexer.INT)
	if !ok {
		return nil, false
	}
	return ast.NewConst(t.Start, t.End, t.IntVal), true
}

func symExpr(p *Parser) (*ast.Node, bool) {
	t, ok := p.tok(lexer.SYM)
	if !ok {
		return nil, false
	}
	return ast.NewText(ast.KindSym, t.Start, t.End, t.Text), true
}

func strExpr(p *Parser) (*ast.Node, bool) {
	t, ok := p.tok(lexer.STRING)
	if !ok {
		return nil, false
	}
	return ast.NewText(ast.KindStr, t.Start, t.End, t.Text), true
}

func parenExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	lp, ok := p.tok(lexer.LPAREN)
	if !ok {
		return nil, false
	}
	n, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	rp, ok := p.tok(lexer.RPAREN)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n.Start, n.End = lp.Start, rp.End
	return n, true
}

func tupleLit(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	lb, ok := p.tok(lexer.LBRACK)
	if !ok {
		return nil, false
	}
	var elems []*ast.Node
	if p.cur().Kind != lexer.RBRACK {
		first, ok := expr(p)
		if !ok {
			p.backtrack(start)
			return nil, false
		}
		elems = append(elems, first)
		for p.cur().Kind == lexer.COMMA {
			p.pos++
			e, ok := expr(p)
			if !ok {
				p.backtrack(start)
				return nil, false
			}
			elems = append(elems, e)
		}
	}
	rb, ok := p.tok(lexer.RBRACK)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	return ast.New(ast.KindTuple, lb.Start, rb.End, elems...), true
}

// lambdaExpr matches `\x, y -> body` (and `\ -> body` for a nullary
// function). Parameter names are leading KindID children; Attrs["nparams"]
// lets the code generator split them back off from the body, the last
// child.
func lambdaExpr(p *Parser) (*ast.Node, bool) {
	start := p.mark()
	bs, ok := p.tok(lexer.BACKSLASH)
	if !ok {
		return nil, false
	}
	var params []*ast.Node
	if p.cur().Kind == lexer.IDENT {
		t := p.cur()
		p.pos++
		params = append(params, ast.NewText(ast.KindID, t.Start, t.End, t.Text))
		for p.cur().Kind == lexer.COMMA {
			p.pos++
			t2, ok := p.tok(lexer.IDENT)
			if !ok {
				p.backtrack(start)
				return nil, false
			}
			params = append(params, ast.NewText(ast.KindID, t2.Start, t2.End, t2.Text))
		}
	}
	if _, ok := p.tok(lexer.ARROW); !ok {
		p.backtrack(start)
		return nil, false
	}
	body, ok := expr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	n := ast.New(ast.KindLambda, bs.Start, body.End, append(params, body)...)
	n.SetAttr("nparams", len(params))
	return n, true
}

func primaryExpr(p *Parser) (*ast.Node, bool) {
	return p.choice(
		intExpr, symExpr, strExpr, refExpr, identExpr, parenExpr, tupleLit,
		lambdaExpr, ifExpr, doExpr, letExpr, panicExpr, trapExpr,
	)
}

// postfixExpr chains call, field-access and slice suffixes onto a primary
// expression, left to right.
func postfixExpr(p *Parser) (*ast.Node, bool) {
	n, ok := primaryExpr(p)
	if !ok {
		return nil, false
	}
loop:
	for {
		save := p.mark()
		switch p.cur().Kind {
		case lexer.LPAREN:
			p.pos++
			var args []*ast.Node
			if p.cur().Kind != lexer.RPAREN {
				first, ok := expr(p)
				if !ok {
					p.backtrack(save)
					break loop
				}
				args = append(args, first)
				for p.cur().Kind == lexer.COMMA {
					p.pos++
					a, ok := expr(p)
					if !ok {
						p.backtrack(save)
						break loop
					}
					args = append(args, a)
				}
			}
			closeTok, ok := p.tok(lexer.RPAREN)
			if !ok {
				p.backtrack(save)
				break loop
			}
			call := ast.New(ast.KindCall, n.Start, closeTok.End, append([]*ast.Node{n}, args...)...)
			call.SetAttr("nargs", len(args))
			n = call
		case lexer.DOT:
			p.pos++
			nameTok, ok := p.tok(lexer.IDENT)
			if !ok {
				p.backtrack(save)
				break loop
			}
			acc := ast.New(ast.KindAccess, n.Start, nameTok.End, n)
			acc.Text = nameTok.Text
			n = acc
		case lexer.LBRACK:
			p.pos++
			lo, ok := expr(p)
			if !ok {
				p.backtrack(save)
				break loop
			}
			if _, ok := p.tok(lexer.COLON); !ok {
				p.backtrack(save)
				break loop
			}
			hi, ok := expr(p)
			if !ok {
				p.backtrack(save)
				break loop
			}
			closeTok, ok := p.tok(lexer.RBRACK)
			if !ok {
				p.backtrack(save)
				break loop
			}
			n = ast.New(ast.KindSlice, n.Start, closeTok.End, n, lo, hi)
		default:
			break loop
		}
	}
	return n, true
}

// unaryExpr handles the single-token prefix operators, recursing so they
// stack (e.g. `- - x`).
func unaryExpr(p *Parser) (*ast.Node, bool) {
	t := p.cur()
	var kind ast.Kind
	switch t.Kind {
	case lexer.MINUS:
		kind = ast.KindNeg
	case lexer.KWNOT:
		kind = ast.KindNot
	case lexer.KWLEN:
		kind = ast.KindLen
	case lexer.TILDE:
		kind = ast.KindComp
	case lexer.KWHEAD:
		kind = ast.KindHead
	case lexer.KWTAIL:
		kind = ast.KindTail
	default:
		return postfixExpr(p)
	}
	start := p.mark()
	p.pos++
	n, ok := unaryExpr(p)
	if !ok {
		p.backtrack(start)
		return nil, false
	}
	return ast.New(kind, t.Start, n.End, n), true
}

// binaryLevel builds a left-associative chained binary operator level out of
// next (the tighter-binding level below it) and a token-to-node-kind table.
func binaryLevel(next fn, ops map[lexer.Kind]ast.Kind) fn {
	return func(p *Parser) (*ast.Node, bool) {
		left, ok := next(p)
		if !ok {
			return nil, false
		}
		for {
			kind, isOp := ops[p.cur().Kind]
			if !isOp {
				break
			}
			save := p.mark()
			p.pos++
			right, ok := next(p)
			if !ok {
				p.backtrack(save)
				break
			}
			left = ast.New(kind, left.Start, right.End, left, right)
		}
		return left, true
	}
}

// mulExpr, addExpr and the other precedence-level vars below are assigned in
// init() rather than via a var initializer: each level's closure captures
// the next level by identifier (not by calling it immediately), but the
// chain of levels loops back from unaryExpr through postfixExpr/expr to
// orExpr, which Go's static initialization-order analysis flags as a cycle
// even though no level is actually invoked until parsing begins.
var (
	mulExpr    fn
	addExpr    fn
	bitandExpr fn
	xorExpr    fn
	bitorExpr  fn
	andExpr    fn
	orExpr     fn
)

func init() {
	mulExpr = binaryLevel(unaryExpr, map[lexer.Kind]ast.Kind{
		lexer.STAR: ast.KindMul, lexer.SLASH: ast.KindDiv, lexer.PERCENT: ast.KindRem,
	})

	addExpr = binaryLevel(mulExpr, map[lexer.Kind]ast.Kind{
		lexer.PLUS: ast.KindAdd, lexer.MINUS: ast.KindSub, lexer.JOINOP: ast.KindJoin,
	})
}

// shiftExpr handles `<<`/`>>` directly rather than through binaryLevel,
// since `a >> b` is only sugar for `shift(a, -b)` (spec.md §4.5.2: a
// negative shift count shifts right).
func shiftExpr(p *Parser) (*ast.Node, bool) {
	left, ok := addExpr(p)
	if !ok {
		return nil, false
	}
	for {
		save := p.mark()
		switch p.cur().Kind {
		case lexer.SHL:
			p.pos++
			right, ok := addExpr(p)
			if !ok {
				p.backtrack(save)
				return left, true
			}
			left = ast.New(ast.KindShift, left.Start, right.End, left, right)
		case lexer.SHR:
			p.pos++
			right, ok := addExpr(p)
			if !ok {
				p.backtrack(save)
				return left, true
			}
			neg := ast.New(ast.KindNeg, right.Start, right.End, right)
			left = ast.New(ast.KindShift, left.Start, right.End, left, neg)
		default:
			return left, true
		}
	}
}

func init() {
	bitandExpr = binaryLevel(shiftExpr, map[lexer.Kind]ast.Kind{lexer.AMP: ast.KindBitAnd})
	xorExpr = binaryLevel(bitandExpr, map[lexer.Kind]ast.Kind{lexer.CARET: ast.KindXor})
	bitorExpr = binaryLevel(xorExpr, map[lexer.Kind]ast.Kind{lexer.PIPE: ast.KindBitOr})
}

// cmpExpr matches at most one comparison (PEG grammars for C-like languages
// commonly disallow chained comparisons to avoid `a < b < c` surprises).
// `!=`, `<=` and `>=` have no dedicated AST kind (spec.md §4.2's node table
// has only eq/lt/gt), so they desugar to not(eq)/not(gt)/not(lt).
func cmpExpr(p *Parser) (*ast.Node, bool) {
	left, ok := bitorExpr(p)
	if !ok {
		return nil, false
	}
	save := p.mark()
	switch p.cur().Kind {
	case lexer.EQEQ:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		return ast.New(ast.KindEq, left.Start, right.End, left, right), true
	case lexer.NEQ:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		eq := ast.New(ast.KindEq, left.Start, right.End, left, right)
		return ast.New(ast.KindNot, eq.Start, eq.End, eq), true
	case lexer.LT:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		return ast.New(ast.KindLt, left.Start, right.End, left, right), true
	case lexer.GT:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		return ast.New(ast.KindGt, left.Start, right.End, left, right), true
	case lexer.LE:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		gt := ast.New(ast.KindGt, left.Start, right.End, left, right)
		return ast.New(ast.KindNot, gt.Start, gt.End, gt), true
	case lexer.GE:
		p.pos++
		right, ok := bitorExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		lt := ast.New(ast.KindLt, left.Start, right.End, left, right)
		return ast.New(ast.KindNot, lt.Start, lt.End, lt), true
	}
	return left, true
}

// pairExpr is `::`, right-associative, building a KindPair cons cell.
func pairExpr(p *Parser) (*ast.Node, bool) {
	left, ok := cmpExpr(p)
	if !ok {
		return nil, false
	}
	save := p.mark()
	if p.cur().Kind == lexer.COLONCOLON {
		p.pos++
		right, ok := pairExpr(p)
		if !ok {
			p.backtrack(save)
			return left, true
		}
		return ast.New(ast.KindPair, left.Start, right.End, left, right), true
	}
	return left, true
}

func init() {
	andExpr = binaryLevel(pairExpr, map[lexer.Kind]ast.Kind{lexer.KWAND: ast.KindAnd})
	orExpr = binaryLevel(andExpr, map[lexer.Kind]ast.Kind{lexer.KWOR: ast.KindOr})
}

// expr is the grammar's single entry point for an expression, at the lowest
// precedence level (logical or).
func expr(p *Parser) (*ast.Node, bool) { return orExpr(p) }
