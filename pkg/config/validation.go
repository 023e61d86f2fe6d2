package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/dynamo-dm/dynamo/pkg/enforcer"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

var validate = validator.New()

// ErrUnknownPartition is returned for a partition name with no definition.
var ErrUnknownPartition = errors.New("unknown partition")

// Validate checks struct constraints first, then the rules that span
// fields: database settings, the archive backend, and that every
// partition condition and replication rule compiles.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cfg.Cache.Database.Validate(); err != nil {
		return fmt.Errorf("cache database: %w", err)
	}

	switch cfg.Archive.Type {
	case "fs":
		if cfg.Archive.FS.Path == "" {
			return fmt.Errorf("archive: fs path is required")
		}
	case "s3":
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive: s3 bucket is required")
		}
		if ep := cfg.Archive.S3.Endpoint; ep != "" {
			if _, err := url.ParseRequestURI(ep); err != nil {
				return fmt.Errorf("archive: invalid s3 endpoint %q: %w", ep, err)
			}
		}
	}

	for name, p := range cfg.Partitions {
		if _, err := variables.ReplicaPartition(name, p.Condition); err != nil {
			return fmt.Errorf("partition %s: %w", name, err)
		}
	}
	for name := range cfg.Detox.Policies {
		if _, ok := cfg.Partitions[name]; !ok {
			return fmt.Errorf("detox policy for unknown partition %s: %w", name, ErrUnknownPartition)
		}
	}

	if len(cfg.Enforcer.Rules) > 0 {
		if _, err := enforcer.CompileRules(cfg.Enforcer.Rules); err != nil {
			return fmt.Errorf("enforcer: %w", err)
		}
	}
	return nil
}
