package condition

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Bare words end at whitespace, brackets, commas, comparison characters
// and quotes. Clock times are split off so "2024-02-22 11:00:00" parses as
// a date followed by a time of day.
var conditionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"[^"]*"|'[^']*'`},
	{Name: "Op", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Punct", Pattern: `[()\[\],]`},
	{Name: "Clock", Pattern: `\d{1,2}:\d{2}:\d{2}`},
	{Name: "Word", Pattern: `[^\s()\[\],<>=!"']+`},
})

var conditionParser = participle.MustBuild[orExpr](
	participle.Lexer(conditionLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

type orExpr struct {
	Terms []*andExpr `parser:"@@ ( 'or' @@ )*"`
}

type andExpr struct {
	Terms []*unaryExpr `parser:"@@ ( 'and' @@ )*"`
}

type unaryExpr struct {
	Not   *unaryExpr `parser:"  'not' @@"`
	Group *orExpr    `parser:"| '(' @@ ')'"`
	Atom  *atom      `parser:"| @@"`
}

// atom is a variable, optionally followed by an operator. A variable alone
// must be a bool; the literals true and false are atoms too.
type atom struct {
	Pos lexer.Position

	Variable string      `parser:"@Word"`
	Compare  *comparison `parser:"( @@"`
	Member   *membership `parser:"| @@"`
	Age      *age        `parser:"| @@ )?"`
}

type comparison struct {
	Op    string   `parser:"@Op"`
	Value *operand `parser:"@@"`
}

type membership struct {
	Op     string     `parser:"@( 'in' | 'notin' )"`
	Values []*operand `parser:"'[' @@ ( ',' @@ )* ']'"`
}

type age struct {
	Op    string   `parser:"@( 'older_than' | 'newer_than' )"`
	Value *operand `parser:"@@"`
}

// operand is a literal. Which of its forms is valid depends on the kind of
// the variable it is compared with, so that is checked at compile time:
// "3 TB" only for numbers, "90 days ago" and "2024-02-22 11:00:00" only for
// times.
type operand struct {
	Pos lexer.Position

	Quoted *string `parser:"  @String"`
	Word   string  `parser:"| @Word"`
	Unit   string  `parser:"  ( @( 'B' | 'kB' | 'KB' | 'MB' | 'GB' | 'TB' | 'PB' )"`
	Span   string  `parser:"  | @( 'minute' | 'minutes' | 'hour' | 'hours' | 'day' | 'days' | 'week' | 'weeks' ) 'ago'"`
	Clock  string  `parser:"  | @Clock )?"`
}

// text returns the literal without quotes.
func (o *operand) text() string {
	if o.Quoted != nil {
		q := *o.Quoted
		return q[1 : len(q)-1]
	}
	return o.Word
}

// plain reports whether the operand is a single word or quoted string.
func (o *operand) plain() bool {
	return o.Unit == "" && o.Span == "" && o.Clock == ""
}
