package apis

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema reflects the JSON schema of a definitions file.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		ExpandedStruct:             true,
	}
	s := r.Reflect(new(File))
	s.Title = "pullgate API definitions"
	return s
}

// SchemaJSON is Schema indented for serving.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
