// Package dslparser implements the recursive-descent parser from spec.md
// §4.B: builds MatchExpr trees and Action records from user strings,
// opening CSV side-tables (internal/csvindex) and plugins
// (internal/pluginreg) as value-lists and plugin(...) productions are
// reduced.
//
// Grammar (disjunction lowest precedence, not binds tightest):
//
//	matchExpr := andExpr ('or' andExpr)*
//	andExpr   := testExpr ('and' testExpr)*
//	testExpr  := '(' matchExpr ')' | ('!'|'not') testExpr | test
//	test      := 'defined' '(' attrExpr ')'
//	           | attrExpr cmp valueList
//	           | attrExpr                      -- implicit != 0
//	           | '[' REGISTER (',' REGISTER)* ']' 'in' ('reads'|'writes'|'regs')
//	           | 'plugin' '(' STRING ')' '.' 'match' '(' ')' cmp valueList
//	attrExpr  := ATTR ('[' INT ']')? ('.' FIELD)?
//	cmp       := '=' | '!=' | '<' | '<=' | '>' | '>='
//	valueList := STRING '[' INT ']'             -- CSV column lookup
//	           | valueAtom (',' valueAtom)*      -- only comma-lists for '='
//	valueAtom := INT | REGISTER | 'nil' | 'imm'|'reg'|'mem'
//	           | 'none'|'read'|'write'|'rw' | '&' STRING
package dslparser

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/yuntongzhang/e9tool/internal/csvindex"
	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/elfsvc"
	"github.com/yuntongzhang/e9tool/internal/pluginreg"
	"github.com/yuntongzhang/e9tool/internal/token"
)

// ParseError is a fatal parse error carrying the lexer's mode tag (spec.md
// §4.B "Error semantics": "any unexpected token ... is a fatal error with
// the mode tag in the message").
type ParseError struct {
	Pos  int
	Mode token.Mode
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d (mode=%s): %s", e.Pos, e.Mode, e.Msg)
}

// Parser holds the shared CSV loader and plugin registry so that references
// to the same CSV file or plugin across many rule strings are deduplicated,
// plus the ELF symbol table used to resolve '&SYMBOL' value atoms to
// addresses at parse time.
type Parser struct {
	CSV     *csvindex.Loader
	Plugins *pluginreg.Registry
	ELF     elfsvc.ELF
	Logger  *slog.Logger
}

func NewParser(csvLoader *csvindex.Loader, plugins *pluginreg.Registry) *Parser {
	return &Parser{CSV: csvLoader, Plugins: plugins, Logger: slog.Default()}
}

// WithELF binds the ELF symbol table '&SYMBOL' value atoms resolve against.
func (p *Parser) WithELF(elf elfsvc.ELF) *Parser {
	p.ELF = elf
	return p
}

// ParseMatch parses one --match string into a MatchExpr.
func (p *Parser) ParseMatch(src string) (*dslast.MatchExpr, error) {
	ps := &parseState{p: p, lex: token.New(src), src: src}
	expr, err := ps.parseMatchExpr()
	if err != nil {
		return nil, err
	}
	if err := ps.expectEOF(); err != nil {
		return nil, err
	}
	return expr, nil
}

// ParseConjunction ANDs together every pending --match string accumulated
// before one --action (the CLI layer's "repeated -M options accumulate"
// rule from spec.md §6): it is the MatchExpr the resulting Rule matches on.
func (p *Parser) ParseConjunction(matches []string) (*dslast.MatchExpr, error) {
	if len(matches) == 0 {
		return dslast.NewTest(&dslast.MatchTest{Kind: dslast.KTrue, Comparison: dslast.CNeZero}), nil
	}
	var expr *dslast.MatchExpr
	for _, m := range matches {
		e, err := p.ParseMatch(m)
		if err != nil {
			return nil, err
		}
		if expr == nil {
			expr = e
		} else {
			expr = dslast.NewAnd(expr, e)
		}
	}
	return expr, nil
}

// ParseRule parses the accumulated match strings plus one action string into
// a complete Rule.
func (p *Parser) ParseRule(matches []string, actionSrc string) (*dslast.Rule, error) {
	expr, err := p.ParseConjunction(matches)
	if err != nil {
		return nil, err
	}
	action, err := p.ParseAction(actionSrc, expr)
	if err != nil {
		return nil, err
	}
	return &dslast.Rule{Match: expr, Action: action}, nil
}

type parseState struct {
	p   *Parser
	lex *token.Lexer
	src string
}

func (ps *parseState) errorf(format string, args ...interface{}) error {
	pos, _ := ps.lex.Peek()
	return &ParseError{Pos: pos.Pos, Mode: ps.lex.Mode(), Msg: fmt.Sprintf(format, args...)}
}

func (ps *parseState) expectEOF() error {
	tok, err := ps.lex.Next()
	if err != nil {
		return err
	}
	if tok.Kind != token.EOF {
		return &ParseError{Pos: tok.Pos, Mode: ps.lex.Mode(), Msg: fmt.Sprintf("unexpected trailing token %q", tok.Text)}
	}
	return nil
}

// --- matchExpr / andExpr / testExpr ---

func (ps *parseState) parseMatchExpr() (*dslast.MatchExpr, error) {
	left, err := ps.parseAndExpr()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := ps.lex.Peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == token.Ident && tok.Text == "or" {
			ps.lex.Next()
			right, err := ps.parseAndExpr()
			if err != nil {
				return nil, err
			}
			left = dslast.NewOr(left, right)
			continue
		}
		break
	}
	return left, nil
}

func (ps *parseState) parseAndExpr() (*dslast.MatchExpr, error) {
	left, err := ps.parseTestExpr()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := ps.lex.Peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == token.Ident && tok.Text == "and" {
			ps.lex.Next()
			right, err := ps.parseTestExpr()
			if err != nil {
				return nil, err
			}
			left = dslast.NewAnd(left, right)
			continue
		}
		break
	}
	return left, nil
}

func (ps *parseState) parseTestExpr() (*dslast.MatchExpr, error) {
	tok, err := ps.lex.Peek()
	if err != nil {
		return nil, err
	}
	switch {
	case tok.Kind == token.LParen:
		ps.lex.Next()
		inner, err := ps.parseMatchExpr()
		if err != nil {
			return nil, err
		}
		close, err := ps.lex.Next()
		if err != nil {
			return nil, err
		}
		if close.Kind != token.RParen {
			return nil, ps.errorf("expected ')' to close parenthesized expression")
		}
		return inner, nil
	case tok.Kind == token.Not || (tok.Kind == token.Ident && tok.Text == "not"):
		ps.lex.Next()
		inner, err := ps.parseTestExpr()
		if err != nil {
			return nil, err
		}
		return dslast.NewNot(inner), nil
	case tok.Kind == token.LBracket:
		return ps.parseRegSetTest()
	case tok.Kind == token.Ident && tok.Text == "defined":
		return ps.parseDefinedTest()
	case tok.Kind == token.Ident && tok.Text == "plugin":
		return ps.parsePluginTest()
	default:
		return ps.parseAttrTest()
	}
}

// --- defined(...) ---

func (ps *parseState) parseDefinedTest() (*dslast.MatchExpr, error) {
	ps.lex.Next() // 'defined'
	open, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if open.Kind != token.LParen {
		return nil, ps.errorf("expected '(' after 'defined'")
	}
	kind, idx, field, err := ps.parseAttrExpr()
	if err != nil {
		return nil, err
	}
	close, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if close.Kind != token.RParen {
		return nil, ps.errorf("expected ')' to close 'defined(...)'")
	}
	t := &dslast.MatchTest{Kind: kind, OperandIndex: idx, Field: field, Comparison: dslast.CDefined}
	return dslast.NewTest(t), nil
}

// --- plugin(...).match() cmp valueList ---

func (ps *parseState) parsePluginTest() (*dslast.MatchExpr, error) {
	ps.lex.Next() // 'plugin'
	name, err := ps.expectCall("match")
	if err != nil {
		return nil, err
	}
	if ps.p.Plugins != nil {
		if _, err := ps.p.Plugins.Open(name); err != nil {
			return nil, err
		}
	}
	cmpTok, err := ps.lex.Peek()
	if err != nil {
		return nil, err
	}
	cmp, ok := cmpFromToken(cmpTok.Kind)
	if !ok {
		return nil, ps.errorf("expected comparison operator after plugin(%q).match()", name)
	}
	ps.lex.Next()
	values, err := ps.parseValueList()
	if err != nil {
		return nil, err
	}
	t := &dslast.MatchTest{Kind: dslast.KPlugin, Comparison: cmp, Values: values, PluginName: name}
	return dslast.NewTest(t), nil
}

// expectCall parses `'(' STRING ')' '.' method '(' ')'` and returns the
// quoted string (e.g. the plugin basename).
func (ps *parseState) expectCall(method string) (string, error) {
	open, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if open.Kind != token.LParen {
		return "", ps.errorf("expected '(' before plugin name")
	}
	str, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if str.Kind != token.String {
		return "", ps.errorf("expected quoted plugin filename")
	}
	close1, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if close1.Kind != token.RParen {
		return "", ps.errorf("expected ')' after plugin filename")
	}
	dot, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if dot.Kind != token.Dot {
		return "", ps.errorf("expected '.%s()' after plugin(...)", method)
	}
	meth, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if meth.Kind != token.Ident || meth.Text != method {
		return "", ps.errorf("expected '.%s()' after plugin(...)", method)
	}
	open2, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if open2.Kind != token.LParen {
		return "", ps.errorf("expected '(' after .%s", method)
	}
	close2, err := ps.lex.Next()
	if err != nil {
		return "", err
	}
	if close2.Kind != token.RParen {
		return "", ps.errorf("expected ')' after .%s(", method)
	}
	return str.Text, nil
}

// --- [reg, reg, ...] in reads|writes|regs ---

func (ps *parseState) parseRegSetTest() (*dslast.MatchExpr, error) {
	ps.lex.Next() // '['
	var regs []string
	for {
		tok, err := ps.lex.Next()
		if err != nil {
			return nil, err
		}
		if tok.Kind != token.Register {
			return nil, ps.errorf("expected register name in register set")
		}
		regs = append(regs, tok.Text)
		next, err := ps.lex.Peek()
		if err != nil {
			return nil, err
		}
		if next.Kind == token.Comma {
			ps.lex.Next()
			continue
		}
		break
	}
	closeTok, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if closeTok.Kind != token.RBracket {
		return nil, ps.errorf("expected ']' to close register set")
	}
	inTok, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if inTok.Kind != token.Ident || inTok.Text != "in" {
		return nil, ps.errorf("expected 'in' after register set")
	}
	whichTok, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	var kind dslast.TestKind
	switch whichTok.Text {
	case "reads":
		kind = dslast.KReads
	case "writes":
		kind = dslast.KWrites
	case "regs":
		kind = dslast.KRegs
	default:
		return nil, ps.errorf("expected 'reads', 'writes', or 'regs' after 'in'")
	}
	t := &dslast.MatchTest{Kind: kind, Comparison: dslast.CIn, RegSet: regs}
	return dslast.NewTest(t), nil
}

// --- attrExpr cmp valueList | attrExpr (implicit != 0) ---

func (ps *parseState) parseAttrTest() (*dslast.MatchExpr, error) {
	kind, idx, field, err := ps.parseAttrExpr()
	if err != nil {
		return nil, err
	}
	if err := validateFieldIndex(kind, idx, field); err != nil {
		return nil, ps.errorf("%s", err)
	}

	next, err := ps.lex.Peek()
	if err != nil {
		return nil, err
	}
	cmp, hasCmp := cmpFromToken(next.Kind)
	if !hasCmp {
		t := &dslast.MatchTest{Kind: kind, OperandIndex: idx, Field: field, Comparison: dslast.CNeZero}
		return dslast.NewTest(t), nil
	}
	ps.lex.Next()

	if kind == dslast.KAssembly || kind == dslast.KMnemonic {
		re, err := ps.parseRegexValue()
		if err != nil {
			return nil, err
		}
		t := &dslast.MatchTest{Kind: kind, OperandIndex: idx, Field: field, Comparison: cmp, Regex: re}
		return dslast.NewTest(t), nil
	}

	values, err := ps.parseValueList()
	if err != nil {
		return nil, err
	}
	if cmp != dslast.CEq && values != nil && len(values.Values) > 1 {
		return nil, ps.errorf("comma-separated value lists are only permitted with '='")
	}
	t := &dslast.MatchTest{Kind: kind, OperandIndex: idx, Field: field, Comparison: cmp, Values: values}
	return dslast.NewTest(t), nil
}

func cmpFromToken(k token.Kind) (dslast.Comparison, bool) {
	switch k {
	case token.Eq:
		return dslast.CEq, true
	case token.Ne:
		return dslast.CNe, true
	case token.Lt:
		return dslast.CLt, true
	case token.Le:
		return dslast.CLe, true
	case token.Gt:
		return dslast.CGt, true
	case token.Ge:
		return dslast.CGe, true
	default:
		return 0, false
	}
}

var attrKinds = map[string]dslast.TestKind{
	"asm": dslast.KAssembly, "assembly": dslast.KAssembly,
	"mnem": dslast.KMnemonic, "mnemonic": dslast.KMnemonic,
	"addr": dslast.KAddress, "address": dslast.KAddress,
	"call": dslast.KCall, "jump": dslast.KJump, "jmp": dslast.KJump,
	"return": dslast.KReturn, "ret": dslast.KReturn,
	"size": dslast.KSize, "offset": dslast.KOffset, "random": dslast.KRandom,
	"true": dslast.KTrue, "false": dslast.KFalse,
	"op": dslast.KOp, "src": dslast.KSrc, "dst": dslast.KDst,
	"imm": dslast.KImm, "reg": dslast.KReg, "mem": dslast.KMem,
}

var fieldSelectors = map[string]dslast.FieldSelector{
	"type": dslast.FType, "access": dslast.FAccess, "size": dslast.FSize,
	"seg": dslast.FSegment, "segment": dslast.FSegment,
	"displ": dslast.FDisplacement, "displacement": dslast.FDisplacement,
	"base": dslast.FBase, "index": dslast.FIndex, "scale": dslast.FScale,
}

// parseAttrExpr parses `ATTR ('[' INT ']')? ('.' FIELD)?`.
func (ps *parseState) parseAttrExpr() (dslast.TestKind, *int, dslast.FieldSelector, error) {
	tok, err := ps.lex.Next()
	if err != nil {
		return 0, nil, dslast.FNone, err
	}
	if tok.Kind != token.Ident {
		return 0, nil, dslast.FNone, ps.errorf("expected attribute name, got %q", tok.Text)
	}
	kind, ok := attrKinds[tok.Text]
	if !ok {
		return 0, nil, dslast.FNone, ps.errorf("unknown attribute %q", tok.Text)
	}

	var idx *int
	if peek, _ := ps.lex.Peek(); peek.Kind == token.LBracket {
		ps.lex.Next()
		n, err := ps.lex.Next()
		if err != nil {
			return 0, nil, dslast.FNone, err
		}
		if n.Kind != token.Int {
			return 0, nil, dslast.FNone, ps.errorf("expected integer operand index")
		}
		if n.Int < 0 || n.Int > 7 {
			return 0, nil, dslast.FNone, ps.errorf("operand index %d out of range 0..7", n.Int)
		}
		v := int(n.Int)
		idx = &v
		close, err := ps.lex.Next()
		if err != nil {
			return 0, nil, dslast.FNone, err
		}
		if close.Kind != token.RBracket {
			return 0, nil, dslast.FNone, ps.errorf("expected ']' after operand index")
		}
	}

	field := dslast.FNone
	if peek, _ := ps.lex.Peek(); peek.Kind == token.Dot {
		ps.lex.Next()
		fTok, err := ps.lex.Next()
		if err != nil {
			return 0, nil, dslast.FNone, err
		}
		if fTok.Kind != token.Ident {
			return 0, nil, dslast.FNone, ps.errorf("expected field selector after '.'")
		}
		f, ok := fieldSelectors[fTok.Text]
		if !ok {
			return 0, nil, dslast.FNone, ps.errorf("unknown field selector %q", fTok.Text)
		}
		field = f
	}

	return kind, idx, field, nil
}

// validateFieldIndex enforces spec.md §3: "Calling op[i].field requires an
// index when field != size; op[].size without index is the operand count."
func validateFieldIndex(kind dslast.TestKind, idx *int, field dslast.FieldSelector) error {
	switch kind {
	case dslast.KOp, dslast.KSrc, dslast.KDst, dslast.KImm, dslast.KReg, dslast.KMem:
		if idx == nil && field != dslast.FNone && field != dslast.FSize {
			return fmt.Errorf("op[].%v requires an operand index", field)
		}
	}
	return nil
}

// --- valueList ---

// parseRegexValue parses a '/pattern/' regex literal via the lexer's
// explicit regex sub-mode (token.Lexer.NextRegex): mnemonic/assembly
// comparisons are always regex matches, never value lists.
func (ps *parseState) parseRegexValue() (*dslast.Regex, error) {
	tok, err := ps.lex.NextRegex()
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(tok.Text)
	if err != nil {
		return nil, ps.errorf("invalid regex %q: %v", tok.Text, err)
	}
	return &dslast.Regex{Pattern: tok.Text, Match: re.MatchString}, nil
}

// parseValueList parses `STRING '[' INT ']'` (CSV column lookup) or a
// comma-separated list of valueAtoms.
func (ps *parseState) parseValueList() (*dslast.ValuePayload, error) {
	tok, err := ps.lex.Peek()
	if err != nil {
		return nil, err
	}

	if tok.Kind == token.String {
		// Could be a CSV reference: STRING '[' INT ']'
		strTok, _ := ps.lex.Next()
		if peek, _ := ps.lex.Peek(); peek.Kind == token.LBracket {
			ps.lex.Next()
			col, err := ps.lex.Next()
			if err != nil {
				return nil, err
			}
			if col.Kind != token.Int {
				return nil, ps.errorf("expected integer CSV column index")
			}
			closeTok, err := ps.lex.Next()
			if err != nil {
				return nil, err
			}
			if closeTok.Kind != token.RBracket {
				return nil, ps.errorf("expected ']' after CSV column index")
			}
			return ps.buildCSVValues(strTok.Text, int(col.Int))
		}
		// Bare quoted string: a single literal string value.
		return &dslast.ValuePayload{Values: []dslast.MatchValue{dslast.String(strTok.Text)}}, nil
	}

	var values []dslast.MatchValue
	for {
		v, err := ps.parseValueAtom()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		next, err := ps.lex.Peek()
		if err != nil {
			return nil, err
		}
		if next.Kind == token.Comma {
			ps.lex.Next()
			continue
		}
		break
	}
	return &dslast.ValuePayload{Values: values}, nil
}

func (ps *parseState) buildCSVValues(basename string, column int) (*dslast.ValuePayload, error) {
	if ps.p.CSV == nil {
		return nil, ps.errorf("CSV loading is unavailable in this parser")
	}
	table, err := ps.p.CSV.Load(basename, column)
	if err != nil {
		return nil, err
	}
	var values []dslast.MatchValue
	var records []*dslast.CSVRecord
	for _, v := range table.Values() {
		values = append(values, dslast.Integer(v))
		rec := table.RecordFor(v)
		records = append(records, &dslast.CSVRecord{Basename: table.Basename, Fields: rec.Fields})
	}
	return &dslast.ValuePayload{
		Values:  values,
		CSV:     &dslast.CSVRef{Basename: table.Basename, Column: column},
		Records: records,
	}, nil
}

func (ps *parseState) parseValueAtom() (dslast.MatchValue, error) {
	tok, err := ps.lex.Next()
	if err != nil {
		return dslast.MatchValue{}, err
	}
	switch tok.Kind {
	case token.Int:
		return dslast.Integer(tok.Int), nil
	case token.Register:
		return dslast.RegisterValue(tok.Text), nil
	case token.Amp:
		sym, err := ps.lex.Next()
		if err != nil {
			return dslast.MatchValue{}, err
		}
		if sym.Kind != token.String && sym.Kind != token.Ident {
			return dslast.MatchValue{}, ps.errorf("expected symbol name after '&'")
		}
		// Resolved here rather than at evaluation time, since the evaluator
		// never sees the ELF symbol table: an undefined symbol degrades to
		// address 0 with a warning, per spec.md §7.
		var addr uint64
		if ps.p.ELF != nil {
			if a, ok := ps.p.ELF.Symbol(sym.Text); ok {
				addr = a
			} else if ps.p.Logger != nil {
				ps.p.Logger.Warn("undefined symbol in '&SYMBOL' value atom, defaulting to address 0", "symbol", sym.Text)
			}
		} else if ps.p.Logger != nil {
			ps.p.Logger.Warn("'&SYMBOL' used with no ELF symbol table bound, defaulting to address 0", "symbol", sym.Text)
		}
		return dslast.Integer(int64(addr)), nil
	case token.Ident:
		switch tok.Text {
		case "nil":
			return dslast.Nil(), nil
		case "imm":
			return dslast.OpKindValue(dslast.OpImm), nil
		case "reg":
			return dslast.OpKindValue(dslast.OpReg), nil
		case "mem":
			return dslast.OpKindValue(dslast.OpMem), nil
		case "none":
			return dslast.AccessValue(0), nil
		case "read":
			return dslast.AccessValue(dslast.AccessRead), nil
		case "write":
			return dslast.AccessValue(dslast.AccessWrite), nil
		case "rw":
			return dslast.AccessValue(dslast.AccessRead | dslast.AccessWrite), nil
		}
	}
	return dslast.MatchValue{}, ps.errorf("unexpected value atom %q", tok.Text)
}
