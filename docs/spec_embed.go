// Package docs embeds the REST API description served at /openapi.yaml.
package docs

import _ "embed"

// OpenAPISpec contains the OpenAPI document embedded for runtime serving.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
