package wasmengine

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
)

// Statements drive loaded modules from text:
//
//	stmt := [name "="] expr
//	expr := literal | path [ "(" [expr {"," expr}] ")" ]
//	path := ident {"." ident}
//
// Statements are separated by newlines or semicolons. Newlines inside an
// argument list are ignored.

type expr interface{ exprNode() }

type literal struct{ v any }

type path struct{ parts []string }

type call struct {
	fn   path
	args []expr
}

func (literal) exprNode() {}
func (path) exprNode()    {}
func (call) exprNode()    {}

func (p path) String() string { return strings.Join(p.parts, ".") }

type statement struct {
	assign string
	x      expr
}

// syntaxError reports a parse failure. incomplete is set when more input
// could complete the statement.
type syntaxError struct {
	pos        scanner.Position
	msg        string
	incomplete bool
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.pos.Line, e.pos.Column, e.msg)
}

type parser struct {
	s     scanner.Scanner
	tok   rune
	depth int
	err   *syntaxError
}

func parseStatements(src string) ([]statement, error) {
	p := newParser(src)
	var out []statement
	for {
		for p.tok == '\n' || p.tok == ';' {
			p.next()
		}
		if p.tok == scanner.EOF || p.err != nil {
			break
		}
		st := p.statement()
		if p.err != nil {
			break
		}
		out = append(out, st)
		if p.tok != '\n' && p.tok != ';' && p.tok != scanner.EOF {
			p.fail("unexpected %s after statement", scanner.TokenString(p.tok))
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

// parseExpr parses src as exactly one expression.
func parseExpr(src string) (expr, error) {
	p := newParser(src)
	for p.tok == '\n' {
		p.next()
	}
	x := p.expr()
	for p.tok == '\n' || p.tok == ';' {
		p.next()
	}
	if p.err == nil && p.tok != scanner.EOF {
		p.fail("unexpected %s after expression", scanner.TokenString(p.tok))
	}
	if p.err != nil {
		return nil, p.err
	}
	return x, nil
}

func newParser(src string) *parser {
	p := &parser{}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanStrings | scanner.ScanComments | scanner.SkipComments
	p.s.Whitespace = 1<<'\t' | 1<<'\r' | 1<<' '
	p.s.Error = func(s *scanner.Scanner, msg string) {
		p.failAt(s.Pos(), msg, strings.Contains(msg, "not terminated"))
	}
	p.next()
	return p
}

func (p *parser) next() {
	p.tok = p.s.Scan()
	for p.depth > 0 && p.tok == '\n' {
		p.tok = p.s.Scan()
	}
}

func (p *parser) fail(format string, args ...any) {
	p.failAt(p.s.Position, fmt.Sprintf(format, args...), p.tok == scanner.EOF)
}

func (p *parser) failAt(pos scanner.Position, msg string, incomplete bool) {
	if p.err == nil {
		p.err = &syntaxError{pos: pos, msg: msg, incomplete: incomplete}
	}
}

func (p *parser) statement() statement {
	if p.tok != scanner.Ident {
		return statement{x: p.expr()}
	}
	target := p.path()
	if p.tok == '=' {
		p.next()
		return statement{assign: target.String(), x: p.expr()}
	}
	return statement{x: p.finish(target)}
}

func (p *parser) expr() expr {
	switch p.tok {
	case scanner.Ident:
		return p.finish(p.path())
	case scanner.Int, scanner.Float:
		return p.number(false)
	case '-':
		p.next()
		if p.tok != scanner.Int && p.tok != scanner.Float {
			p.fail("expected number after '-'")
			return nil
		}
		return p.number(true)
	case scanner.String:
		s, err := strconv.Unquote(p.s.TokenText())
		if err != nil {
			p.fail("invalid string %s", p.s.TokenText())
			return nil
		}
		p.next()
		return literal{v: s}
	case scanner.EOF:
		p.fail("unexpected end of input")
		return nil
	}
	p.fail("unexpected %s", scanner.TokenString(p.tok))
	return nil
}

// finish turns a parsed path into a literal, a call or a path reference.
func (p *parser) finish(target path) expr {
	if p.tok != '(' {
		if len(target.parts) == 1 {
			switch target.parts[0] {
			case "true":
				return literal{v: true}
			case "false":
				return literal{v: false}
			}
		}
		return target
	}

	p.depth++
	p.next()
	c := call{fn: target}
	for p.tok != ')' && p.err == nil {
		c.args = append(c.args, p.expr())
		if p.tok == ',' {
			p.next()
			continue
		}
		if p.tok != ')' {
			p.fail("expected ',' or ')' in argument list")
		}
	}
	p.depth--
	p.next()
	return c
}

func (p *parser) path() path {
	parts := []string{p.s.TokenText()}
	p.next()
	for p.tok == '.' {
		p.next()
		if p.tok != scanner.Ident {
			p.fail("expected name after '.'")
			return path{parts: parts}
		}
		parts = append(parts, p.s.TokenText())
		p.next()
	}
	return path{parts: parts}
}

func (p *parser) number(neg bool) expr {
	text := p.s.TokenText()
	if neg {
		text = "-" + text
	}
	tok := p.tok
	p.next()

	if tok == scanner.Int {
		if n, err := strconv.ParseInt(text, 0, 64); err == nil {
			return literal{v: n}
		}
		if !neg {
			if n, err := strconv.ParseUint(text, 0, 64); err == nil {
				return literal{v: n}
			}
		}
		p.fail("integer %s out of range", text)
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		p.fail("invalid number %s", text)
		return nil
	}
	return literal{v: f}
}
