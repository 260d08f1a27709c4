package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/keygate/internal/model"
)

// Options controls the generated document.
type Options struct {
	BaseURL      string
	APIKeyHeader string // defaults to X-API-Key
	Version      string // defaults to 1.0.0
}

// Generate builds the OpenAPI 3.1 document describing keygate's HTTP surface.
func Generate(opts Options) *openapi3.T {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keygate API",
			Description: "API key admission gate. Every route except health checks requires the " + opts.APIKeyHeader + " header.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	// Initialize components
	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: opts.APIKeyHeader,
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
	}

	addSchemas(doc)

	doc.Paths = openapi3.NewPaths()
	addHealthPaths(doc)
	addWhoamiPath(doc)
	addKeyPaths(doc)

	return doc
}

// ─── Components ─────────────────────────────────────────────────────────────

func addSchemas(doc *openapi3.T) {
	s := doc.Components.Schemas

	s["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}

	s["APIKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "An issued API key. The secret and its hash are never returned.",
			Required:    []string{"id", "key_prefix", "name", "created_at", "usage_count", "is_active", "status"},
			Properties: openapi3.Schemas{
				"id":           openapi3.NewInt64Schema().NewRef(),
				"key_prefix":   stringSchema("First 8 characters of the secret."),
				"name":         openapi3.NewStringSchema().WithMaxLength(model.MaxKeyNameLen).NewRef(),
				"description":  openapi3.NewStringSchema().WithMaxLength(model.MaxKeyDescriptionLen).NewRef(),
				"created_at":   openapi3.NewDateTimeSchema().NewRef(),
				"created_by":   openapi3.NewStringSchema().NewRef(),
				"expires_at":   openapi3.NewDateTimeSchema().NewRef(),
				"last_used_at": openapi3.NewDateTimeSchema().NewRef(),
				"usage_count":  openapi3.NewInt64Schema().NewRef(),
				"is_active":    openapi3.NewBoolSchema().NewRef(),
				"revoked_at":   openapi3.NewDateTimeSchema().NewRef(),
				"revoked_by":   openapi3.NewStringSchema().NewRef(),
				"status": openapi3.NewStringSchema().
					WithEnum("active", "expired", "revoked").NewRef(),
			},
		},
	}

	s["CreateAPIKeyRequest"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"name"},
			Properties: openapi3.Schemas{
				"name":        openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(model.MaxKeyNameLen).NewRef(),
				"description": openapi3.NewStringSchema().WithMaxLength(model.MaxKeyDescriptionLen).NewRef(),
				"expires_at":  openapi3.NewDateTimeSchema().NewRef(),
			},
		},
	}

	s["CreateAPIKeyResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "The issued key. api_key holds the plaintext secret and is returned only once.",
			Required:    []string{"api_key", "key"},
			Properties: openapi3.Schemas{
				"api_key": stringSchema("Plaintext secret, 64 lowercase hex characters."),
				"key":     openapi3.NewSchemaRef("#/components/schemas/APIKey", nil),
			},
		},
	}

	s["APIKeyList"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: openapi3.NewSchemaRef("#/components/schemas/APIKey", nil),
					},
				},
				"meta": metaSchema(),
			},
		},
	}

	s["Principal"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"type":       openapi3.NewStringSchema().WithEnum("api_key", "legacy").NewRef(),
				"key_id":     openapi3.NewInt64Schema().NewRef(),
				"key_prefix": openapi3.NewStringSchema().NewRef(),
			},
		},
	}
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addHealthPaths(doc *openapi3.T) {
	noAuth := &openapi3.SecurityRequirements{}
	status := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"status": openapi3.NewStringSchema().NewRef(),
			},
		},
	}

	doc.Paths.Set("/health", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Liveness probe",
			OperationID: "health",
			Security:    noAuth,
			Responses:   successOnly("200", "Service is running", status),
		},
	})

	ready := successOnly("200", "Key store is reachable", status)
	unavailable := "Key store is unreachable"
	ready.Set("503", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &unavailable,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef()),
		},
	})
	doc.Paths.Set("/health/ready", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Readiness probe",
			OperationID: "health_ready",
			Security:    noAuth,
			Responses:   ready,
		},
	})
}

func addWhoamiPath(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/whoami", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"gate"},
			Summary:     "Describe the admitted caller",
			OperationID: "whoami",
			Responses: newResponses("200", "The principal admitted by the gate",
				openapi3.NewSchemaRef("#/components/schemas/Principal", nil)),
		},
	})
}

func addKeyPaths(doc *openapi3.T) {
	admin := &openapi3.SecurityRequirements{{"apiKey": {}, "bearerAuth": {}}}
	keyRef := openapi3.NewSchemaRef("#/components/schemas/APIKey", nil)
	keyID := openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewPathParameter("keyId").WithSchema(openapi3.NewInt64Schema()),
		},
	}

	doc.Paths.Set("/api/v1/system/api-key", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"api-key"},
			Summary:     "List API keys",
			Description: "Returns all issued keys, newest first.",
			OperationID: "list_api_keys",
			Security:    admin,
			Responses: newResponses("200", "All API keys",
				openapi3.NewSchemaRef("#/components/schemas/APIKeyList", nil)),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"api-key"},
			Summary:     "Issue an API key",
			Description: "Generates a new secret. The plaintext is returned once and cannot be recovered.",
			OperationID: "create_api_key",
			Security:    admin,
			RequestBody: &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().
					WithRequired(true).
					WithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/CreateAPIKeyRequest", nil)),
			},
			Responses: newResponses("201", "The issued key",
				openapi3.NewSchemaRef("#/components/schemas/CreateAPIKeyResponse", nil)),
		},
	})

	doc.Paths.Set("/api/v1/system/api-key/{keyId}", &openapi3.PathItem{
		Parameters: keyID,
		Get: &openapi3.Operation{
			Tags:        []string{"api-key"},
			Summary:     "Get an API key",
			OperationID: "get_api_key",
			Security:    admin,
			Responses:   newResponses("200", "The API key", keyRef),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"api-key"},
			Summary:     "Delete an API key",
			Description: "Permanently removes the key record.",
			OperationID: "delete_api_key",
			Security:    admin,
			Responses:   newResponses("200", "Key deleted", successSchema()),
		},
	})

	doc.Paths.Set("/api/v1/system/api-key/{keyId}/revoke", &openapi3.PathItem{
		Parameters: keyID,
		Post: &openapi3.Operation{
			Tags:        []string{"api-key"},
			Summary:     "Revoke an API key",
			Description: "Deactivates the key. Revocation is permanent; revoking twice succeeds.",
			OperationID: "revoke_api_key",
			Security:    admin,
			Responses:   newResponses("200", "The revoked key", keyRef),
		},
	})
}

// ─── Response Builders ──────────────────────────────────────────────────────

func errorRef() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
}

func successOnly(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
	return responses
}

// newResponses builds a Responses map with a success response and the gate
// and error responses shared by every protected route. Gate rejections are
// plain text.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := successOnly(statusCode, description, schema)

	unauthDesc := "Missing or invalid API key"
	responses.Set("401", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &unauthDesc,
			Content: openapi3.NewContentWithSchema(
				openapi3.NewStringSchema().WithEnum("API Key is required", "Invalid API Key"),
				[]string{"text/plain"},
			),
		},
	})

	for _, e := range []struct{ code, desc string }{
		{"400", "Bad request"},
		{"403", "Admin token required"},
		{"404", "Not found"},
		{"500", "Internal server error"},
	} {
		desc := e.desc
		responses.Set(e.code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef()),
			},
		})
	}

	return responses
}

func successSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"success": openapi3.NewBoolSchema().NewRef(),
				"message": openapi3.NewStringSchema().NewRef(),
			},
		},
	}
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int64",
						Description: "Number of records returned.",
					},
				},
			},
		},
	}
}

func stringSchema(description string) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	s.Description = description
	return s.NewRef()
}
