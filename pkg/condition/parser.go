package condition

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2/lexer"
)

// Decimal byte units accepted after numeric literals.
var sizeUnits = map[string]float64{
	"B":  1,
	"kB": 1e3,
	"KB": 1e3,
	"MB": 1e6,
	"GB": 1e9,
	"TB": 1e12,
	"PB": 1e15,
}

var durationUnits = map[string]time.Duration{
	"minute":  time.Minute,
	"minutes": time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

type compiler[T any] struct {
	text string
	reg  *Registry[T]
	now  time.Time
}

func (c *compiler[T]) errorf(pos lexer.Position, format string, args ...any) error {
	return &SyntaxError{Text: c.text, Pos: pos.Offset, Msg: fmt.Sprintf(format, args...)}
}

func (c *compiler[T]) or(e *orExpr) (predicate[T], error) {
	preds := make([]predicate[T], 0, len(e.Terms))
	for _, t := range e.Terms {
		p, err := c.and(t)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return func(x T) bool {
		for _, p := range preds {
			if p(x) {
				return true
			}
		}
		return false
	}, nil
}

func (c *compiler[T]) and(e *andExpr) (predicate[T], error) {
	preds := make([]predicate[T], 0, len(e.Terms))
	for _, t := range e.Terms {
		p, err := c.unary(t)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return func(x T) bool {
		for _, p := range preds {
			if !p(x) {
				return false
			}
		}
		return true
	}, nil
}

func (c *compiler[T]) unary(e *unaryExpr) (predicate[T], error) {
	switch {
	case e.Not != nil:
		inner, err := c.unary(e.Not)
		if err != nil {
			return nil, err
		}
		return func(x T) bool { return !inner(x) }, nil
	case e.Group != nil:
		return c.or(e.Group)
	default:
		return c.atom(e.Atom)
	}
}

func (c *compiler[T]) atom(a *atom) (predicate[T], error) {
	bare := a.Compare == nil && a.Member == nil && a.Age == nil
	switch a.Variable {
	case "true", "false":
		if !bare {
			return nil, c.errorf(a.Pos, "literal %s takes no operator", a.Variable)
		}
		want := a.Variable == "true"
		return func(T) bool { return want }, nil
	}

	v, ok := c.reg.Lookup(a.Variable)
	if !ok {
		return nil, c.errorf(a.Pos, "unknown %s variable %q", c.reg.Entity(), a.Variable)
	}

	switch {
	case a.Compare != nil:
		return c.compare(v, a.Compare.Op, a.Compare.Value)
	case a.Member != nil:
		return c.membership(v, a.Member)
	case a.Age != nil:
		if v.Kind != KindTime {
			return nil, c.errorf(a.Pos, "%s requires a time variable, %q is %s", a.Age.Op, v.Name, v.Kind)
		}
		ref, err := c.parseTime(a.Age.Value)
		if err != nil {
			return nil, err
		}
		get := v.Get
		if a.Age.Op == "older_than" {
			return func(x T) bool { return get(x).T.Before(ref) }, nil
		}
		return func(x T) bool { return get(x).T.After(ref) }, nil
	}

	if v.Kind != KindBool {
		return nil, c.errorf(a.Pos, "%s variable %q needs an operator", v.Kind, v.Name)
	}
	get := v.Get
	return func(x T) bool { return get(x).B }, nil
}

func (c *compiler[T]) compare(v Variable[T], op string, o *operand) (predicate[T], error) {
	get := v.Get

	switch v.Kind {
	case KindBool:
		if op != "==" && op != "!=" {
			return nil, c.errorf(o.Pos, "operator %s not defined for bool variable %q", op, v.Name)
		}
		if o.Quoted != nil || !o.plain() || (o.Word != "true" && o.Word != "false") {
			return nil, c.errorf(o.Pos, "expected true or false, got %q", o.text())
		}
		want := (o.Word == "true") == (op == "==")
		return func(x T) bool { return get(x).B == want }, nil

	case KindNumber:
		n, err := c.parseNumber(o)
		if err != nil {
			return nil, err
		}
		return func(x T) bool { return holds(op, cmp.Compare(get(x).N, n)) }, nil

	case KindTime:
		ref, err := c.parseTime(o)
		if err != nil {
			return nil, err
		}
		return func(x T) bool { return holds(op, get(x).T.Compare(ref)) }, nil

	default:
		s, err := c.parseString(o)
		if err != nil {
			return nil, err
		}
		if (op == "==" || op == "!=") && isPattern(s) {
			re, err := compileGlob(s)
			if err != nil {
				return nil, c.errorf(o.Pos, "bad pattern %q: %v", s, err)
			}
			want := op == "=="
			return func(x T) bool { return re.MatchString(get(x).S) == want }, nil
		}
		return func(x T) bool { return holds(op, strings.Compare(get(x).S, s)) }, nil
	}
}

func (c *compiler[T]) membership(v Variable[T], m *membership) (predicate[T], error) {
	if v.Kind != KindString && v.Kind != KindNumber {
		return nil, c.errorf(m.Values[0].Pos, "in requires a string or number variable, %q is %s", v.Name, v.Kind)
	}
	negate := m.Op == "notin"
	get := v.Get

	if v.Kind == KindNumber {
		numbers := make([]float64, 0, len(m.Values))
		for _, o := range m.Values {
			n, err := c.parseNumber(o)
			if err != nil {
				return nil, err
			}
			numbers = append(numbers, n)
		}
		return func(x T) bool {
			return slices.Contains(numbers, get(x).N) != negate
		}, nil
	}

	literals := map[string]bool{}
	var patterns []*regexp.Regexp
	for _, o := range m.Values {
		s, err := c.parseString(o)
		if err != nil {
			return nil, err
		}
		if !isPattern(s) {
			literals[s] = true
			continue
		}
		re, err := compileGlob(s)
		if err != nil {
			return nil, c.errorf(o.Pos, "bad pattern %q: %v", s, err)
		}
		patterns = append(patterns, re)
	}
	return func(x T) bool {
		s := get(x).S
		if literals[s] {
			return !negate
		}
		for _, re := range patterns {
			if re.MatchString(s) {
				return !negate
			}
		}
		return negate
	}, nil
}

// parseNumber accepts a float literal with an optional decimal byte unit.
func (c *compiler[T]) parseNumber(o *operand) (float64, error) {
	if o.Quoted != nil || o.Span != "" || o.Clock != "" {
		return 0, c.errorf(o.Pos, "expected number, got %q", o.text())
	}
	n, err := strconv.ParseFloat(o.Word, 64)
	if err != nil {
		return 0, c.errorf(o.Pos, "expected number, got %q", o.Word)
	}
	if o.Unit != "" {
		n *= sizeUnits[o.Unit]
	}
	return n, nil
}

func (c *compiler[T]) parseString(o *operand) (string, error) {
	if !o.plain() {
		return "", c.errorf(o.Pos, "expected string, got %q", o.text())
	}
	return o.text(), nil
}

// parseTime accepts "now", "N <unit> ago", a date (2006-01-02), a date followed
// by a clock time (15:04:05) or an RFC 3339 timestamp.
func (c *compiler[T]) parseTime(o *operand) (time.Time, error) {
	if o.Unit != "" {
		return time.Time{}, c.errorf(o.Pos, "expected time, got %q", o.Word+" "+o.Unit)
	}
	text := o.text()

	if o.Span != "" {
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return time.Time{}, c.errorf(o.Pos, "expected number before %s ago, got %q", o.Span, text)
		}
		return c.now.Add(-time.Duration(n * float64(durationUnits[o.Span]))), nil
	}

	if o.Clock != "" {
		day, err := time.ParseInLocation("2006-01-02 15:04:05", text+" "+o.Clock, time.UTC)
		if err != nil {
			return time.Time{}, c.errorf(o.Pos, "expected time, got %q", text+" "+o.Clock)
		}
		return day, nil
	}

	if text == "now" {
		return c.now, nil
	}
	if ts, err := time.Parse(time.RFC3339, text); err == nil {
		return ts, nil
	}
	day, err := time.ParseInLocation("2006-01-02", text, time.UTC)
	if err != nil {
		return time.Time{}, c.errorf(o.Pos, "expected time, got %q", text)
	}
	return day, nil
}

func holds(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default: // >=
		return c >= 0
	}
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// compileGlob translates a shell wildcard into an anchored regexp. Unlike
// path.Match, * also matches across "/" since dataset names are paths.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	rs := []rune(glob)
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(rs) && (rs[j] == '!' || rs[j] == '^') {
				j++
			}
			if j < len(rs) && rs[j] == ']' {
				j++
			}
			for j < len(rs) && rs[j] != ']' {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated character class")
			}
			class := string(rs[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
