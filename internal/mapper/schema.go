package mapper

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Raw record shapes, each with an embedded schema of the same name.
const (
	ShapeSAMLConnection  = "saml_connection"
	ShapeOIDCClient      = "oidc_client"
	ShapeOIDCPolicy      = "oidc_policy"
	ShapeITSMApplication = "itsm_application"
	ShapeITSMUser        = "itsm_user"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://idmirror.local/schemas/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	shapes := []string{ShapeSAMLConnection, ShapeOIDCClient, ShapeOIDCPolicy, ShapeITSMApplication, ShapeITSMUser}
	for _, shape := range shapes {
		data, err := schemaFS.ReadFile("schemas/" + shape + ".json")
		if err != nil {
			schemasErr = fmt.Errorf("read schema %s: %w", shape, err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			schemasErr = fmt.Errorf("parse schema %s: %w", shape, err)
			return
		}
		if err := c.AddResource(schemaBase+shape+".json", doc); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", shape, err)
			return
		}
	}
	out := make(map[string]*jsonschema.Schema, len(shapes))
	for _, shape := range shapes {
		sch, err := c.Compile(schemaBase + shape + ".json")
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", shape, err)
			return
		}
		out[shape] = sch
	}
	schemas = out
}

// validate checks raw against the schema of shape.
func validate(shape string, raw []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := schemas[shape].Validate(inst); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
