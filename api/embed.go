// Package api holds the kibitz HTTP API description, served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document for the session, stream and
// health endpoints.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
