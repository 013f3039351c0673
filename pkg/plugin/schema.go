package plugin

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaID is the $id of the manifest schema.
const SchemaID = "https://holomush.dev/schemas/plughost-manifest.schema.json"

// compiledSchema compiles the manifest schema once.
var compiledSchema = sync.OnceValues(compileSchema)

// GenerateSchema generates a JSON Schema describing metadata.toml.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&manifestDocument{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Plugin Manifest"
	schema.Description = "Schema for metadata.toml plugin manifests"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code(CodeInternal).Wrapf(err, "failed to marshal schema")
	}
	return data, nil
}

// ValidateSchema validates TOML manifest data against the manifest schema.
// Unlike ParseManifest it never panics; an unidentifiable name is reported as
// a schema violation.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return ErrParameters("manifest data is empty")
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return oops.Code(CodeParameters).Wrapf(err, "invalid TOML")
	}

	// Round-trip through JSON so TOML-specific value types become JSON values.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return oops.Code(CodeParameters).Wrapf(err, "manifest is not representable as JSON")
	}
	instance, err := jschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return oops.Code(CodeParameters).Wrapf(err, "manifest is not representable as JSON")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	if err := sch.Validate(instance); err != nil {
		return oops.Code(CodeParameters).Wrapf(err, "schema validation failed")
	}
	return nil
}

func compileSchema() (*jschema.Schema, error) {
	schemaBytes, err := GenerateSchema()
	if err != nil {
		return nil, err
	}

	schemaData, err := jschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, oops.Code(CodeInternal).Wrapf(err, "failed to parse schema JSON")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaData); err != nil {
		return nil, oops.Code(CodeInternal).Wrapf(err, "failed to add schema resource")
	}

	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, oops.Code(CodeInternal).Wrapf(err, "failed to compile schema")
	}
	return sch, nil
}

// FormatSchemaError formats a schema validation error for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if _, after, ok := strings.Cut(msg, "schema validation failed: "); ok {
		msg = after
	}
	return msg
}
