package dslparser

import (
	"strconv"
	"strings"

	"github.com/yuntongzhang/e9tool/internal/dslast"
	"github.com/yuntongzhang/e9tool/internal/token"
)

// ParseAction parses one --action string into an Action bound to match
// (the conjunction of the --match strings that preceded it). Grammar
// (spec.md §4.B):
//
//	action   := 'call' callMods? SYMBOL ('(' argList? ')')? '@' FILENAME
//	          | 'exit' '(' INT_0_255 ')'
//	          | 'plugin' '(' STRING ')' '.' 'patch' '(' ')'
//	          | 'trap' | 'print' | 'passthru'
//	callMods := '[' MOD (',' MOD)* ']'
func (p *Parser) ParseAction(src string, match *dslast.MatchExpr) (*dslast.Action, error) {
	ps := &parseState{p: p, lex: token.New(src), src: src}
	kw, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if kw.Kind != token.Ident {
		return nil, ps.errorf("expected an action keyword (call/exit/plugin/trap/print/passthru)")
	}

	var action *dslast.Action
	switch kw.Text {
	case "call":
		action, err = ps.parseCallAction()
	case "exit":
		action, err = ps.parseExitAction()
	case "plugin":
		action, err = ps.parsePluginAction()
	case "trap":
		action = &dslast.Action{Kind: dslast.ActionTrap, Name: "trap"}
	case "print":
		action = &dslast.Action{Kind: dslast.ActionPrint, Name: "print"}
	case "passthru":
		action = &dslast.Action{Kind: dslast.ActionPassthru, Name: "passthru"}
	default:
		return nil, ps.errorf("unknown action keyword %q", kw.Text)
	}
	if err != nil {
		return nil, err
	}
	if err := ps.expectEOF(); err != nil {
		return nil, err
	}
	action.Match = match
	action.SourceText = src
	return action, nil
}

var callMods = map[string]func(a *dslast.Action){
	"clean":       func(a *dslast.Action) { a.Naked = false },
	"naked":       func(a *dslast.Action) { a.Naked = true },
	"before":      func(a *dslast.Action) { a.CallRelation = dslast.RelBefore },
	"after":       func(a *dslast.Action) { a.CallRelation = dslast.RelAfter },
	"replace":     func(a *dslast.Action) { a.CallRelation = dslast.RelReplace },
	"conditional": func(a *dslast.Action) { a.CallRelation = dslast.RelConditional },
}

func (ps *parseState) parseCallAction() (*dslast.Action, error) {
	a := &dslast.Action{Kind: dslast.ActionCall, CallRelation: dslast.RelBefore}

	if peek, _ := ps.lex.Peek(); peek.Kind == token.LBracket {
		ps.lex.Next()
		sawConditional := false
		for {
			tok, err := ps.lex.Next()
			if err != nil {
				return nil, err
			}
			if tok.Kind != token.Ident {
				return nil, ps.errorf("expected call modifier keyword")
			}
			if tok.Text == "conditional" {
				sawConditional = true
			}
			apply, ok := callMods[tok.Text]
			if !ok {
				return nil, ps.errorf("unknown call modifier %q", tok.Text)
			}
			apply(a)
			next, err := ps.lex.Peek()
			if err != nil {
				return nil, err
			}
			if next.Kind == token.Dot && sawConditional {
				ps.lex.Next()
				jump, err := ps.lex.Next()
				if err != nil {
					return nil, err
				}
				if jump.Kind != token.Ident || jump.Text != "jump" {
					return nil, ps.errorf("expected 'jump' after 'conditional.'")
				}
				a.CallRelation = dslast.RelConditionalJump
				next, err = ps.lex.Peek()
				if err != nil {
					return nil, err
				}
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
			return nil, ps.errorf("expected ']' to close call modifiers")
		}
	}

	sym, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if sym.Kind != token.Ident {
		return nil, ps.errorf("expected a function symbol name after 'call'")
	}
	a.CallTarget = sym.Text

	if peek, _ := ps.lex.Peek(); peek.Kind == token.LParen {
		ps.lex.Next()
		if peek2, _ := ps.lex.Peek(); peek2.Kind != token.RParen {
			args, err := ps.parseArgList()
			if err != nil {
				return nil, err
			}
			a.CallArgs = args
		}
		closeTok, err := ps.lex.Next()
		if err != nil {
			return nil, err
		}
		if closeTok.Kind != token.RParen {
			return nil, ps.errorf("expected ')' to close call argument list")
		}
	}

	at, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if at.Kind != token.At {
		return nil, ps.errorf("expected '@FILENAME' naming the call's target ELF file")
	}
	file, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if file.Kind != token.Ident && file.Kind != token.String {
		return nil, ps.errorf("expected a filename after '@'")
	}
	a.CallELFFile = file.Text
	// Composite name correlating this action's Patch messages with its own
	// Trampoline definition: two call actions can share a target symbol but
	// differ in clean/naked, relation, or target file, and each combination
	// needs its own trampoline (original_source/src/e9tool/e9tool.cpp:1365-1417).
	cleanOrNaked := "clean"
	if a.Naked {
		cleanOrNaked = "naked"
	}
	a.Name = "call_" + cleanOrNaked + "_" + callRelationName(a.CallRelation) + "_" + a.CallTarget + "_" + a.CallELFFile
	return a, nil
}

func callRelationName(r dslast.CallRelation) string {
	switch r {
	case dslast.RelAfter:
		return "after"
	case dslast.RelReplace:
		return "replace"
	case dslast.RelConditional:
		return "conditional"
	case dslast.RelConditionalJump:
		return "conditional.jump"
	default:
		return "before"
	}
}

var argKinds = map[string]dslast.ArgKind{
	"addr": dslast.ArgAddress, "address": dslast.ArgAddress,
	"instr": dslast.ArgInstructionBytes, "bytes": dslast.ArgInstructionBytes,
	"mnemonic": dslast.ArgMnemonicString, "asm": dslast.ArgAssemblyString,
	"next": dslast.ArgNextAddress, "target": dslast.ArgTargetAddress,
	"state": dslast.ArgState, "random": dslast.ArgRandomInt,
	"base": dslast.ArgBasePointer,
}

// parseArgList parses the call argument list: each argument is one of the
// ArgKind forms from spec.md §3, a bare operand reference (op[i].field), an
// integer literal, a register name, a '&'-prefixed symbol, or a CSV column
// reference (STRING '[' INT ']'). An argument may be preceded by '&' for
// by-pointer passing. No duplicate-suppression suffix is parsed, so
// Argument.Duplicate is never set here.
func (ps *parseState) parseArgList() ([]dslast.Argument, error) {
	var args []dslast.Argument
	for {
		arg, err := ps.parseArg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
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
	return args, nil
}

func (ps *parseState) parseArg() (dslast.Argument, error) {
	byPointer := false
	if peek, _ := ps.lex.Peek(); peek.Kind == token.Amp {
		ps.lex.Next()
		byPointer = true
	}

	tok, err := ps.lex.Next()
	if err != nil {
		return dslast.Argument{}, err
	}

	switch tok.Kind {
	case token.Int:
		return dslast.Argument{Kind: dslast.ArgIntegerLiteral, IntegerValue: tok.Int}, nil
	case token.Register:
		return dslast.Argument{Kind: dslast.ArgRegisterValue, UserName: tok.Text}, nil
	case token.String:
		if peek, _ := ps.lex.Peek(); peek.Kind == token.LBracket {
			ps.lex.Next()
			col, err := ps.lex.Next()
			if err != nil {
				return dslast.Argument{}, err
			}
			if col.Kind != token.Int {
				return dslast.Argument{}, ps.errorf("expected integer CSV column index")
			}
			closeTok, err := ps.lex.Next()
			if err != nil {
				return dslast.Argument{}, err
			}
			if closeTok.Kind != token.RBracket {
				return dslast.Argument{}, ps.errorf("expected ']' after CSV column index")
			}
			c := int(col.Int)
			return dslast.Argument{Kind: dslast.ArgUserCSVColumn, UserName: tok.Text, CSVColumn: &c}, nil
		}
		if byPointer {
			return dslast.Argument{Kind: dslast.ArgSymbolAddress, ByPointer: true, UserName: tok.Text}, nil
		}
		return dslast.Argument{Kind: dslast.ArgMemoryOperandLiteral, MemoryOperandText: tok.Text}, nil
	case token.Ident:
		if size, ok := token.MemOperandSize(tok.Text); ok {
			return ps.parseMemOperandArg(tok.Text, size)
		}
		if kind, ok := argKinds[tok.Text]; ok {
			if !byPointer && kind == dslast.ArgSymbolAddress {
				return dslast.Argument{}, ps.errorf("symbol arguments require '&'")
			}
			return dslast.Argument{Kind: kind, ByPointer: byPointer, UserName: tok.Text}, nil
		}
		if _, isAttr := attrKinds[tok.Text]; byPointer && !isAttr {
			return dslast.Argument{Kind: dslast.ArgSymbolAddress, ByPointer: true, UserName: tok.Text}, nil
		}
		kind, idx, field, err := ps.reparseAttrExprFrom(tok)
		if err != nil {
			return dslast.Argument{}, err
		}
		_ = kind
		return dslast.Argument{Kind: dslast.ArgOperand, OperandIndex: idx, Field: field, ByPointer: byPointer, UserName: tok.Text}, nil
	}
	return dslast.Argument{}, ps.errorf("unexpected call argument %q", tok.Text)
}

// parseMemOperandArg parses a sized memory-operand argument,
// 'mem8|mem16|mem32|mem64' '[' DISP? '(' BASE? (',' INDEX (',' SCALE)?)? ')'? ']',
// capturing everything between the brackets verbatim as the operand's
// addressing expression (spec.md §3's ARGUMENT_MEMOP, sized per
// internal/token.MemOperandSize rather than the original's uniform
// sizeof(int8_t)).
func (ps *parseState) parseMemOperandArg(keyword string, size int) (dslast.Argument, error) {
	open, err := ps.lex.Next()
	if err != nil {
		return dslast.Argument{}, err
	}
	if open.Kind != token.LBracket {
		return dslast.Argument{}, ps.errorf("expected '[' after %q", keyword)
	}
	start := open.Pos + 1
	depth := 1
	var end int
	for depth > 0 {
		tok, err := ps.lex.Next()
		if err != nil {
			return dslast.Argument{}, err
		}
		switch tok.Kind {
		case token.LBracket:
			depth++
		case token.RBracket:
			depth--
			end = tok.Pos
		case token.EOF:
			return dslast.Argument{}, ps.errorf("unterminated %q memory operand, missing ']'", keyword)
		}
	}
	text := strings.TrimSpace(ps.src[start:end])
	return dslast.Argument{Kind: dslast.ArgMemoryOperandLiteral, MemoryOperandText: text, MemorySize: size, UserName: keyword}, nil
}

// reparseAttrExprFrom continues parsing an attrExpr whose leading ATTR
// identifier has already been consumed as tok (the argument grammar and the
// attrExpr grammar share the '[' INT ']' ('.' FIELD)? suffix).
func (ps *parseState) reparseAttrExprFrom(tok token.Token) (dslast.TestKind, *int, dslast.FieldSelector, error) {
	kind, ok := attrKinds[tok.Text]
	if !ok {
		kind = dslast.KOp
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
		v := int(n.Int)
		idx = &v
		closeTok, err := ps.lex.Next()
		if err != nil {
			return 0, nil, dslast.FNone, err
		}
		if closeTok.Kind != token.RBracket {
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

func (ps *parseState) parseExitAction() (*dslast.Action, error) {
	open, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if open.Kind != token.LParen {
		return nil, ps.errorf("expected '(' after 'exit'")
	}
	n, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if n.Kind != token.Int {
		return nil, ps.errorf("expected an integer exit status")
	}
	if n.Int < 0 || n.Int > 255 {
		return nil, ps.errorf("exit status %d out of range 0..255", n.Int)
	}
	closeTok, err := ps.lex.Next()
	if err != nil {
		return nil, err
	}
	if closeTok.Kind != token.RParen {
		return nil, ps.errorf("expected ')' after exit status")
	}
	// Composite name ("exit_STATUS" rather than bare "exit") so two exit
	// actions with different statuses correlate with distinct trampolines
	// instead of colliding on a shared Patch message name.
	return &dslast.Action{Kind: dslast.ActionExit, Name: "exit_" + strconv.Itoa(int(n.Int)), ExitStatus: int(n.Int)}, nil
}

func (ps *parseState) parsePluginAction() (*dslast.Action, error) {
	name, err := ps.expectCall("patch")
	if err != nil {
		return nil, err
	}
	var ref *dslast.PluginRef
	if ps.p.Plugins != nil {
		p, err := ps.p.Plugins.Open(name)
		if err != nil {
			return nil, err
		}
		ref = &dslast.PluginRef{CanonicalPath: p.CanonicalPath}
	} else {
		ref = &dslast.PluginRef{CanonicalPath: name}
	}
	return &dslast.Action{Kind: dslast.ActionPlugin, PluginHandle: ref, Name: name}, nil
}
