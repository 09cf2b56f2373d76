// Package dslast defines the match/action language's abstract syntax: the
// typed MatchValue union, MatchTest predicates, the MatchExpr tree, Action
// records, and the packed Location record patch sites are recorded into.
//
// These are plain data types; evaluation lives in internal/matchvalue and
// internal/dsleval, dispatch in internal/dispatch.
package dslast

import "fmt"

// ValueKind discriminates the MatchValue tagged union.
type ValueKind int

const (
	VUndefined ValueKind = iota
	VNil
	VInteger
	VOperandKind
	VAccess
	VRegister
	VMemoryMarker
	VString
)

// OperandKind enumerates an operand's syntactic class.
type OperandKind int

const (
	OpImm OperandKind = iota
	OpReg
	OpMem
)

// Access is a read/write bitmask.
type Access uint8

const (
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1
)

// MemoryMarker is the opaque value extracted for a bare memory operand (no
// field-selector): it carries no comparable payload beyond "this was a
// memory operand", matching the spec's "opaque" memory-marker type.
type MemoryMarker struct{}

// MatchValue is the tagged union described in spec.md §3. Total order is
// defined lexicographically by (Kind, payload); Undefined is incomparable
// and every comparison against it is false.
type MatchValue struct {
	Kind     ValueKind
	Int      int64
	OpKind   OperandKind
	Access   Access
	Register string
	Str      string
}

func Undefined() MatchValue       { return MatchValue{Kind: VUndefined} }
func Nil() MatchValue             { return MatchValue{Kind: VNil} }
func Integer(v int64) MatchValue  { return MatchValue{Kind: VInteger, Int: v} }
func OpKindValue(k OperandKind) MatchValue {
	return MatchValue{Kind: VOperandKind, OpKind: k}
}
func AccessValue(a Access) MatchValue  { return MatchValue{Kind: VAccess, Access: a} }
func RegisterValue(r string) MatchValue { return MatchValue{Kind: VRegister, Register: r} }
func Memory() MatchValue               { return MatchValue{Kind: VMemoryMarker} }
func String(s string) MatchValue       { return MatchValue{Kind: VString, Str: s} }

func (v MatchValue) IsUndefined() bool { return v.Kind == VUndefined }

// Less implements the total order: (Kind, payload) lexicographic, with
// Undefined never participating (callers must check IsUndefined first).
func (v MatchValue) Less(other MatchValue) bool {
	if v.Kind != other.Kind {
		return v.Kind < other.Kind
	}
	switch v.Kind {
	case VInteger:
		return v.Int < other.Int
	case VOperandKind:
		return v.OpKind < other.OpKind
	case VAccess:
		return v.Access < other.Access
	case VRegister:
		return v.Register < other.Register
	case VString:
		return v.Str < other.Str
	default:
		return false
	}
}

// Equal reports value equality; Undefined is never equal to anything,
// including another Undefined (it fails every comparison per spec.md §3).
func (v MatchValue) Equal(other MatchValue) bool {
	if v.Kind == VUndefined || other.Kind == VUndefined {
		return false
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case VNil, VMemoryMarker:
		return true
	case VInteger:
		return v.Int == other.Int
	case VOperandKind:
		return v.OpKind == other.OpKind
	case VAccess:
		return v.Access == other.Access
	case VRegister:
		return v.Register == other.Register
	case VString:
		return v.Str == other.Str
	default:
		return false
	}
}

func (v MatchValue) String() string {
	switch v.Kind {
	case VUndefined:
		return "<undefined>"
	case VNil:
		return "nil"
	case VInteger:
		return fmt.Sprintf("%d", v.Int)
	case VOperandKind:
		return [...]string{"imm", "reg", "mem"}[v.OpKind]
	case VAccess:
		return fmt.Sprintf("access(%02b)", v.Access)
	case VRegister:
		return v.Register
	case VMemoryMarker:
		return "<mem>"
	case VString:
		return v.Str
	default:
		return "?"
	}
}

// TestKind selects the attribute extractor a MatchTest reads.
type TestKind int

const (
	KAssembly TestKind = iota
	KMnemonic
	KAddress
	KCall
	KJump
	KReturn
	KSize
	KOffset
	KRandom
	KPlugin
	KTrue
	KFalse
	KOp
	KSrc
	KDst
	KImm
	KReg
	KMem
	KRegs
	KReads
	KWrites
)

// FieldSelector narrows a test to an operand sub-field.
type FieldSelector int

const (
	FNone FieldSelector = iota
	FType
	FAccess
	FSize
	FSegment
	FDisplacement
	FBase
	FIndex
	FScale
)

// String returns the selector's field name as written after "op[i].".
func (f FieldSelector) String() string {
	names := [...]string{"none", "type", "access", "size", "segment", "displacement", "base", "index", "scale"}
	if f < 0 || int(f) >= len(names) {
		return fmt.Sprintf("FieldSelector(%d)", int(f))
	}
	return names[f]
}

// Comparison enumerates the comparison operators a MatchTest applies.
type Comparison int

const (
	CDefined Comparison = iota
	CEqZero
	CNeZero
	CEq
	CNe
	CLt
	CLe
	CGt
	CGe
	CIn
)

// CSVRef identifies the CSV-backed value-set a MatchTest's payload was built
// from, so internal/dsleval can apply the §4.D binding rule (same basename
// across tests in one evaluation ⇒ binding carried through; different
// records from the same basename colliding ⇒ fatal ambiguity).
type CSVRef struct {
	Basename string
	Column   int
}

// ValuePayload is the possibly-CSV-annotated set of literal MatchValues a
// comparison test is checked against.
type ValuePayload struct {
	Values []MatchValue
	CSV    *CSVRef
	// Records, parallel to Values when CSV != nil: the CSV record each value
	// came from, so a successful `=` test can bind it (see dslast.CSVRecord).
	Records []*CSVRecord
}

// CSVRecord is a non-owning reference to a parsed CSV row; see
// internal/csvindex.Table for the owning store.
type CSVRecord struct {
	Basename string
	Fields   []string
}

// MatchTest is a single predicate (spec.md §3).
type MatchTest struct {
	Kind          TestKind
	OperandIndex  *int // nil when no index given
	Field         FieldSelector
	Comparison    Comparison
	Regex         *Regex // for KAssembly/KMnemonic textual `=` against a regex
	Values        *ValuePayload
	RegSet        []string // for CIn against reads/writes/regs
	PluginName    string   // for KPlugin
	SourceText    string   // original substring, for diagnostics
}

// Regex wraps a compiled regular expression; kept as its own type (rather
// than importing regexp directly into every test site) so dsleval can stay
// decoupled from the compiled-regex representation.
type Regex struct {
	Pattern string
	Match   func(string) bool
}

// MatchExpr is the algebraic match-expression tree (spec.md §3).
type MatchExpr struct {
	// Exactly one of Test, Not, And/Or(Left,Right) is set, discriminated by
	// Op.
	Op    ExprOp
	Test  *MatchTest
	Left  *MatchExpr
	Right *MatchExpr
}

type ExprOp int

const (
	ExprTest ExprOp = iota
	ExprNot
	ExprAnd
	ExprOr
)

func NewTest(t *MatchTest) *MatchExpr        { return &MatchExpr{Op: ExprTest, Test: t} }
func NewNot(e *MatchExpr) *MatchExpr         { return &MatchExpr{Op: ExprNot, Left: e} }
func NewAnd(l, r *MatchExpr) *MatchExpr      { return &MatchExpr{Op: ExprAnd, Left: l, Right: r} }
func NewOr(l, r *MatchExpr) *MatchExpr       { return &MatchExpr{Op: ExprOr, Left: l, Right: r} }

// ActionKind enumerates the action forms in spec.md §3.
type ActionKind int

const (
	ActionCall ActionKind = iota
	ActionExit
	ActionPlugin
	ActionTrap
	ActionPrint
	ActionPassthru
)

// CallRelation is the call-site relation to the matched instruction.
type CallRelation int

const (
	RelBefore CallRelation = iota
	RelAfter
	RelReplace
	RelConditional
	RelConditionalJump
)

// ArgKind enumerates the named instruction attributes an Argument can carry.
type ArgKind int

const (
	ArgAddress ArgKind = iota
	ArgInstructionBytes
	ArgMnemonicString
	ArgAssemblyString
	ArgOperand // indexed by Index, sub-selected by Field
	ArgMemoryOperandLiteral
	ArgNextAddress
	ArgTargetAddress
	ArgRegisterValue
	ArgIntegerLiteral
	ArgSymbolAddress
	ArgUserCSVColumn
	ArgBasePointer
	ArgState
	ArgRandomInt
)

// Argument is one entry of a Call action's argument list (spec.md §3).
type Argument struct {
	Kind              ArgKind
	Field             FieldSelector
	ByPointer         bool
	Duplicate         bool
	IntegerValue      int64
	MemoryOperandText string // literal memory-operand syntax, e.g. "qword [rax+8]"
	MemorySize        int    // byte size for a sized mem8/16/32/64[...] argument; 0 if unsized
	UserName          string // argument's display name for diagnostics/metadata
	OperandIndex      *int
	CSVColumn         *int // for ArgUserCSVColumn
}

// Action is the action half of a rule (spec.md §3).
type Action struct {
	Kind       ActionKind
	Match      *MatchExpr
	Name       string
	SourceText string

	// Call-specific.
	CallTarget   string
	CallELFFile  string
	CallArgs     []Argument
	Naked        bool
	CallRelation CallRelation

	// Exit-specific.
	ExitStatus int

	// Plugin-specific.
	PluginHandle *PluginRef
}

// PluginRef identifies a plugin by the canonical path the registry opened it
// under; internal/pluginreg owns the live *pluginreg.Plugin this points at.
type PluginRef struct {
	CanonicalPath string
}

// Rule pairs one MatchExpr with one Action, recorded in declaration order
// (spec.md §3 invariant: "Rules are stored in declaration order").
type Rule struct {
	Match  *MatchExpr
	Action *Action
}

// Location is the compact per-instruction record from spec.md §3:
//
//	{offset: 48 bits, size: 4 bits, emitted: 1 bit, patch: 1 bit, action-index: 10 bits}
//
// Go has no native bitfields, so the packed layout is validated once at
// construction (NewLocation) and stored as a single uint64 via Pack/Unpack,
// giving the cache-friendly representation spec.md §9 asks for without
// exposing raw bit-shifting to callers.
const (
	maxOffset      = 1<<48 - 1
	maxSize        = 1<<4 - 1
	maxActionIndex = 1<<10 - 1

	// MaxActionIndex is the largest rule index the 10-bit action-index field
	// can hold for a real, dispatched rule. It is one less than the field's
	// full range because NoAction reserves the top value as the "no specific
	// rule" sentinel for forced-trap locations (--trap-all / --trap ADDR),
	// which are never dispatched against the rule set.
	MaxActionIndex = maxActionIndex - 1

	// NoAction is the action-index sentinel for "no rule matched" (a forced
	// trap rather than a rule-dispatch hit). It is the top of the 10-bit
	// field's range, not 0, so that rule index 0 -- a legitimate dispatch
	// result -- never collides with it.
	NoAction = maxActionIndex
)

type Location struct {
	packed uint64
}

// NewLocation validates and packs a Location. size must be 0..15 (the 4-bit
// field; an instruction's byte length never exceeds 15 on x86-64); actionIndex must be
// <= MaxActionIndex when patch is true and actionIndex is a real rule index
// (callers seeding a forced trap should pass NoAction).
func NewLocation(offset uint64, size int, emitted, patch bool, actionIndex int) (Location, error) {
	if offset > maxOffset {
		return Location{}, fmt.Errorf("location offset %#x exceeds 48-bit text-section budget", offset)
	}
	if size < 0 || size > maxSize {
		return Location{}, fmt.Errorf("instruction size %d exceeds 4-bit (<=15) budget", size)
	}
	if patch && actionIndex > maxActionIndex {
		return Location{}, fmt.Errorf("action index %d exceeds 1024-rule budget", actionIndex)
	}
	if !patch {
		actionIndex = NoAction
	}
	var p uint64
	p |= offset & maxOffset
	p |= uint64(size&maxSize) << 48
	if emitted {
		p |= 1 << 52
	}
	if patch {
		p |= 1 << 53
	}
	p |= uint64(actionIndex&maxActionIndex) << 54
	return Location{packed: p}, nil
}

func (l Location) Offset() uint64    { return l.packed & maxOffset }
func (l Location) Size() int         { return int((l.packed >> 48) & maxSize) }
func (l Location) Emitted() bool     { return l.packed&(1<<52) != 0 }
func (l Location) Patch() bool       { return l.packed&(1<<53) != 0 }
func (l Location) ActionIndex() int  { return int((l.packed >> 54) & maxActionIndex) }
func (l Location) Pack() uint64      { return l.packed }

// WithEmitted returns a copy of l with the emitted bit set; Location values
// are immutable otherwise, matching the sticky-once-set semantics of §4.I.
func (l Location) WithEmitted() Location {
	return Location{packed: l.packed | (1 << 52)}
}

func UnpackLocation(packed uint64) Location { return Location{packed: packed} }
