package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/internal/bytesize"
	"github.com/dynamo-dm/dynamo/pkg/config"
)

var schemaFile string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	Long: `Print a JSON schema describing the Dynamo configuration file, for editor
completion and CI validation of deployed configs.

Examples:
  # Print schema to stdout
  dynamo config schema

  # Save schema to file
  dynamo config schema --file config.schema.json`,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaFile, "file", "f", "", "Write the schema to this file instead of stdout")
}

// Schema reflects the configuration type. Field names follow the YAML keys;
// durations and sizes accept either strings ("168h", "200TB") or numbers.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			switch t {
			case reflect.TypeOf(time.Duration(0)), reflect.TypeOf(bytesize.ByteSize(0)):
				return &jsonschema.Schema{OneOf: []*jsonschema.Schema{
					{Type: "string"},
					{Type: "integer"},
				}}
			}
			return nil
		},
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Version = "https://json-schema.org/draft/2020-12/schema"
	schema.Title = "Dynamo Configuration"
	schema.Description = "Configuration of the Dynamo replica lifecycle manager"
	return schema
}

func runSchema(cmd *cobra.Command, args []string) error {
	data, err := json.MarshalIndent(Schema(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if schemaFile != "" {
		if err := os.WriteFile(schemaFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "JSON schema written to %s\n", schemaFile)
		return nil
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
