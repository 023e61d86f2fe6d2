// Package detox classifies the replicas of a partition as protected, deleted
// or kept according to an ordered deletion policy.
package detox

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

// Decision is the outcome for a replica.
type Decision string

const (
	Protect Decision = "protect"
	Delete  Decision = "delete"
	Keep    Decision = "keep"
)

// Decisions lists every decision in storage order.
var Decisions = []Decision{Protect, Delete, Keep}

// ParseDecision converts a stored decision name.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(s)); d {
	case Protect, Delete, Keep:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// PolicyLine is one ordered rule of a policy. ConditionID links the line to
// its stored condition text and is assigned by the history store.
type PolicyLine struct {
	Index       int
	Decision    Decision
	Block       bool
	ConditionID int64

	replica *condition.Condition[variables.Replica]
	block   *condition.Condition[variables.BlockReplica]
}

// Text is the normalized condition text.
func (l *PolicyLine) Text() string {
	if l.Block {
		return l.block.Text()
	}
	return l.replica.Text()
}

// Policy is a compiled deletion policy for one partition.
type Policy struct {
	Partition string
	Text      string

	// Target restricts candidate sites; nil means every site.
	Target condition.AnyOf[variables.Site]
	Lines  []*PolicyLine
}

// ParseOptions configures policy compilation.
type ParseOptions struct {
	Sites         *condition.Registry[variables.Site]
	Replicas      *condition.Registry[variables.Replica]
	BlockReplicas *condition.Registry[variables.BlockReplica]
}

func (o *ParseOptions) applyDefaults() {
	if o.Sites == nil {
		o.Sites = variables.Sites()
	}
	if o.Replicas == nil {
		o.Replicas = variables.Replicas()
	}
	if o.BlockReplicas == nil {
		o.BlockReplicas = variables.BlockReplicas()
	}
}

// ParsePolicy compiles a policy text. One directive per line:
//
//	On <site condition>
//	Protect|Delete|Keep [<replica condition>]
//	ProtectBlock|DeleteBlock|KeepBlock [<block replica condition>]
//
// Lines starting with # are comments. Dismiss is accepted for Keep. A
// directive without a condition matches everything.
func ParsePolicy(partition, text string, opts ParseOptions) (*Policy, error) {
	opts.applyDefaults()
	p := &Policy{Partition: partition, Text: text}

	sc := bufio.NewScanner(strings.NewReader(text))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		word, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		if strings.EqualFold(word, "On") {
			if rest == "" {
				return nil, &ConfigurationError{Line: n, Msg: "On requires a site condition"}
			}
			c, err := condition.Compile(rest, opts.Sites)
			if err != nil {
				return nil, fmt.Errorf("policy line %d: %w", n, err)
			}
			p.Target = append(p.Target, c)
			continue
		}

		decision, block, ok := parseDirective(word)
		if !ok {
			return nil, &ConfigurationError{Line: n, Msg: fmt.Sprintf("unknown directive %q", word)}
		}
		if rest == "" {
			rest = "true"
		}

		pl := &PolicyLine{Index: len(p.Lines), Decision: decision, Block: block}
		var err error
		if block {
			pl.block, err = condition.Compile(rest, opts.BlockReplicas)
		} else {
			pl.replica, err = condition.Compile(rest, opts.Replicas)
		}
		if err != nil {
			return nil, fmt.Errorf("policy line %d: %w", n, err)
		}
		p.Lines = append(p.Lines, pl)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	if len(p.Lines) == 0 {
		return nil, &ConfigurationError{Msg: "no decision lines"}
	}
	return p, nil
}

func parseDirective(word string) (Decision, bool, bool) {
	w := strings.ToLower(word)
	block := strings.HasSuffix(w, "block")
	w = strings.TrimSuffix(w, "block")

	switch w {
	case "protect":
		return Protect, block, true
	case "delete":
		return Delete, block, true
	case "keep", "dismiss":
		return Keep, block, true
	}
	return "", false, false
}

// Conditions returns the normalized texts of the decision lines in order.
func (p *Policy) Conditions() []string {
	out := make([]string, len(p.Lines))
	for i, l := range p.Lines {
		out[i] = l.Text()
	}
	return out
}
