package detox

import "fmt"

// ConfigurationError reports a malformed policy text.
type ConfigurationError struct {
	Line int // 1-based, 0 when the error concerns the whole text
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("policy line %d: %s", e.Line, e.Msg)
	}
	return "policy: " + e.Msg
}

// NoMatchingRuleError is returned when a replica (or one of its block
// replicas) matches no policy line. The cycle must be aborted.
type NoMatchingRuleError struct {
	Partition string
	Site      string
	Dataset   string
	Block     string // empty for whole-replica evaluation
}

func (e *NoMatchingRuleError) Error() string {
	if e.Block != "" {
		return fmt.Sprintf("partition %s: no policy line matches block replica %s of %s at %s",
			e.Partition, e.Block, e.Dataset, e.Site)
	}
	return fmt.Sprintf("partition %s: no policy line matches replica of %s at %s",
		e.Partition, e.Dataset, e.Site)
}
