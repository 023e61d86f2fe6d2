package condition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReplica struct {
	owner     string
	dataset   string
	size      int64
	custodial bool
	updated   time.Time
}

var refNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRegistry() *Registry[fakeReplica] {
	reg := NewRegistry[fakeReplica]("replica").
		Register("replica.owner", KindString, func(r fakeReplica) Value { return String(r.owner) }).
		Register("dataset.name", KindString, func(r fakeReplica) Value { return String(r.dataset) }).
		Register("replica.size", KindNumber, func(r fakeReplica) Value { return Int(r.size) }).
		Register("replica.is_custodial", KindBool, func(r fakeReplica) Value { return Bool(r.custodial) }).
		Register("replica.last_update", KindTime, func(r fakeReplica) Value { return Time(r.updated) })
	return reg.WithNow(refNow)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a == b and c", Normalize("  a   ==\tb\n and c "))
	assert.Equal(t, "", Normalize(" \t "))
}

func TestCompileAndMatch(t *testing.T) {
	reg := testRegistry()
	r := fakeReplica{
		owner:     "AnalysisOps",
		dataset:   "/SingleMuon/Run2018A-v1/MINIAOD",
		size:      3e12,
		custodial: false,
		updated:   refNow.Add(-100 * 24 * time.Hour),
	}

	tests := []struct {
		text string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"replica.owner == AnalysisOps", true},
		{"replica.owner != AnalysisOps", false},
		{"replica.owner == 'Analysis Ops'", false},
		{"dataset.name == /SingleMu*", true},
		{"dataset.name == /*/*/MINIAOD", true},
		{"dataset.name == /*/*/AOD", false},
		{"dataset.name != /*/*/AOD?", true},
		{"replica.size > 2 TB", true},
		{"replica.size >= 3e12", true},
		{"replica.size < 3000 GB", false},
		{"replica.size <= 3000 GB", true},
		{"replica.is_custodial", false},
		{"not replica.is_custodial", true},
		{"replica.is_custodial == false", true},
		{"replica.is_custodial != false", false},
		{"replica.last_update older_than 90 days ago", true},
		{"replica.last_update newer_than 2 weeks ago", false},
		{"replica.last_update < 2024-03-01", true},
		{"replica.last_update > 2024-02-22 11:00:00", true},
		{"replica.last_update older_than now", true},
		{"replica.owner in [DataOps, AnalysisOps]", true},
		{"replica.owner notin [DataOps, AnalysisOps]", false},
		{"dataset.name in [/Single*/*/*]", true},
		{"replica.size in [1, 3 TB]", true},
		{"replica.owner == DataOps or replica.size > 1 TB", true},
		{"replica.owner == DataOps or (replica.size > 1 TB and replica.is_custodial)", false},
		{"not (replica.owner == DataOps) and not replica.is_custodial", true},
		{"replica.owner in ['Analysis Ops', AnalysisOps]", true},
		{"replica.size > 2 TB and replica.size < 4 TB", true},
		{"replica.last_update < '2024-03-01'", true},
		{"replica.last_update older_than 1.5 weeks ago", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			c, err := Compile(tt.text, reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Match(r))
			assert.Equal(t, tt.want, c.Match(r), "matching must be repeatable")
		})
	}
}

func TestCompileErrors(t *testing.T) {
	reg := testRegistry()

	for _, text := range []string{
		"",
		"replica.color == red",
		"replica.owner",
		"replica.size > big",
		"replica.owner older_than 3 days ago",
		"replica.last_update older_than 3 fortnights ago",
		"replica.last_update older_than 3 days",
		"replica.is_custodial > true",
		"replica.is_custodial == maybe",
		"replica.owner == a b",
		"(replica.is_custodial",
		"replica.owner in [a, b",
		"replica.is_custodial in [true]",
		"replica.owner = a",
		"replica.owner == 'unterminated",
		"dataset.name == '[abc'",
		"and",
		"true == false",
		"replica.size > 3 days ago",
		"replica.owner == AnalysisOps TB",
		"replica.last_update < 2024-02-30",
	} {
		t.Run(text, func(t *testing.T) {
			_, err := Compile(text, reg)
			require.Error(t, err)
			var se *SyntaxError
			assert.True(t, errors.As(err, &se), "got %T", err)
		})
	}
}

func TestSyntaxErrorPosition(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		text string
		pos  int
	}{
		{"replica.colour == red", 0},
		{"replica.owner == DataOps and replica.size > 3 days ago", 44},
		{"not replica.size", 4},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			_, err := Compile(tt.text, reg)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.pos, se.Pos)
			assert.Contains(t, se.Error(), "offset")
		})
	}

	// Errors found while parsing carry the offset of the offending token.
	_, err := Compile("replica.owner == a b", reg)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Greater(t, se.Pos, 0)
}

func TestConditionText(t *testing.T) {
	c := MustCompile("replica.owner   ==  DataOps", testRegistry())
	assert.Equal(t, "replica.owner == DataOps", c.Text())
	assert.Equal(t, c.Text(), c.String())
}

func TestCompileAny(t *testing.T) {
	reg := testRegistry()

	_, err := CompileAny(nil, reg)
	assert.ErrorIs(t, err, ErrNoConditions)

	_, err = CompileAny([]string{"true", "nope == 1"}, reg)
	var se *SyntaxError
	assert.ErrorAs(t, err, &se)

	list, err := CompileAny([]string{"replica.owner == A", "replica.owner == B"}, reg)
	require.NoError(t, err)
	assert.True(t, list.Match(fakeReplica{owner: "B"}))
	assert.False(t, list.Match(fakeReplica{owner: "C"}))
	assert.Equal(t, []string{"replica.owner == A", "replica.owner == B"}, list.Texts())
}

func TestRegistry(t *testing.T) {
	reg := testRegistry()
	assert.Equal(t, "replica", reg.Entity())
	assert.Contains(t, reg.Names(), "replica.size")

	_, ok := reg.Lookup("replica.size")
	assert.True(t, ok)

	assert.Panics(t, func() {
		reg.Register("replica.size", KindNumber, func(fakeReplica) Value { return Int(0) })
	})
}

func TestGlob(t *testing.T) {
	re, err := compileGlob("/Gen[AB]?/*")
	require.NoError(t, err)
	assert.True(t, re.MatchString("/GenA1/x/y"))
	assert.False(t, re.MatchString("/GenC1/x"))

	re, err = compileGlob("a[!b]c")
	require.NoError(t, err)
	assert.True(t, re.MatchString("axc"))
	assert.False(t, re.MatchString("abc"))

	re, err = compileGlob("a.b+c")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a.b+c"))
	assert.False(t, re.MatchString("axbbc"))
}
