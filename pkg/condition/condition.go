// Package condition compiles the boolean condition language used by the
// deletion policies and the replication rules.
//
// A condition is compiled once against a typed variable Registry and then
// matched any number of times. Compilation is eager: unknown variables,
// operator/type mismatches and trailing tokens are reported as *SyntaxError
// before any entity is evaluated.
//
//	replica.owner == AnalysisOps and dataset.name == /*/*/MINIAOD*
//	not replica.is_custodial and replica.last_update older_than 90 days ago
//	site.status in [ready, waitroom]
package condition

import (
	"errors"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// ErrNoConditions is returned when a rule declares an empty condition list.
var ErrNoConditions = errors.New("condition list is empty")

type predicate[T any] func(T) bool

// Condition is an immutable compiled predicate over T.
type Condition[T any] struct {
	text  string
	match predicate[T]
}

// Normalize collapses runs of whitespace. Two conditions with the same
// normalized text are the same condition.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Compile parses text against reg.
func Compile[T any](text string, reg *Registry[T]) (*Condition[T], error) {
	norm := Normalize(text)
	if norm == "" {
		return nil, &SyntaxError{Text: norm, Pos: -1, Msg: "empty condition"}
	}

	ast, err := conditionParser.ParseString("", norm)
	if err != nil {
		var perr participle.Error
		if errors.As(err, &perr) {
			return nil, &SyntaxError{Text: norm, Pos: perr.Position().Offset, Msg: perr.Message()}
		}
		return nil, &SyntaxError{Text: norm, Pos: -1, Msg: err.Error()}
	}

	c := &compiler[T]{text: norm, reg: reg, now: reg.Now()}
	pred, err := c.or(ast)
	if err != nil {
		return nil, err
	}
	return &Condition[T]{text: norm, match: pred}, nil
}

// MustCompile is Compile for package-level literals; it panics on error.
func MustCompile[T any](text string, reg *Registry[T]) *Condition[T] {
	c, err := Compile(text, reg)
	if err != nil {
		panic(err)
	}
	return c
}

// Match evaluates the condition. It has no side effects.
func (c *Condition[T]) Match(e T) bool { return c.match(e) }

// Text returns the normalized source text.
func (c *Condition[T]) Text() string { return c.text }

func (c *Condition[T]) String() string { return c.text }

// AnyOf is a list of ORed conditions.
type AnyOf[T any] []*Condition[T]

// CompileAny compiles every text. An empty list is an error: a rule without
// conditions is malformed, it does not match everything.
func CompileAny[T any](texts []string, reg *Registry[T]) (AnyOf[T], error) {
	if len(texts) == 0 {
		return nil, ErrNoConditions
	}
	out := make(AnyOf[T], 0, len(texts))
	for _, text := range texts {
		c, err := Compile(text, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Match reports whether any condition matches e.
func (a AnyOf[T]) Match(e T) bool {
	for _, c := range a {
		if c.Match(e) {
			return true
		}
	}
	return false
}

// Texts returns the normalized text of each condition.
func (a AnyOf[T]) Texts() []string {
	out := make([]string, len(a))
	for i, c := range a {
		out[i] = c.text
	}
	return out
}
