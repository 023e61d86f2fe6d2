package condition

import (
	"fmt"
	"time"
)

// Kind is the type of a variable.
type Kind int

const (
	KindBool Kind = iota
	KindNumber
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a typed variable value. Only the field matching the variable's
// Kind is meaningful.
type Value struct {
	B bool
	N float64
	S string
	T time.Time
}

func Bool(b bool) Value      { return Value{B: b} }
func Number(n float64) Value { return Value{N: n} }
func Int(n int64) Value      { return Value{N: float64(n)} }
func String(s string) Value  { return Value{S: s} }
func Time(t time.Time) Value { return Value{T: t} }
