package api

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// OpenAPI Specification
// =============================================================================

// Spec builds the OpenAPI 3.0 document for the status API.
func Spec() *openapi3.T {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "upstack status API",
			Version:     "1.0.0",
			Description: "Run history and status for upstack-managed stacks",
		},
		Paths: &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"Run":          {Value: runSchema()},
				"ServiceState": {Value: serviceStateSchema()},
				"Error":        {Value: errorSchema()},
			},
		},
	}

	spec.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "healthz",
			Summary:     "Service and engine health",
			Tags:        []string{"Health"},
			Responses:   jsonResponses("200", "healthy", nil),
		},
	})

	spec.Paths.Set("/v1/runs", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listRuns",
			Summary:     "List runs, newest first",
			Tags:        []string{"Runs"},
			Parameters: openapi3.Parameters{
				queryParam("stack", "Filter by stack name"),
				queryParam("limit", "Page size (default 100)"),
				queryParam("offset", "Page offset"),
			},
			Responses: jsonResponses("200", "run list", openapi3.NewSchemaRef("#/components/schemas/Run", nil)),
		},
	})

	spec.Paths.Set("/v1/runs/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{
				Value: &openapi3.Parameter{
					Name:     "id",
					In:       "path",
					Required: true,
					Schema:   openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
				},
			},
		},
		Get: &openapi3.Operation{
			OperationID: "getRun",
			Summary:     "Get one run with its service states",
			Tags:        []string{"Runs"},
			Responses:   jsonResponses("200", "run detail", openapi3.NewSchemaRef("#/components/schemas/Run", nil)),
		},
	})

	return spec
}

// =============================================================================
// Schemas
// =============================================================================

func runSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("stack_name", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema().
			WithEnum("pending", "starting", "running", "stopping", "stopped", "failed")).
		WithProperty("health", openapi3.NewStringSchema().
			WithEnum("starting", "healthy", "unhealthy", "unknown")).
		WithProperty("services", openapi3.NewArraySchema().
			WithItems(openapi3.NewObjectSchema())).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema()).
		WithProperty("started_at", openapi3.NewDateTimeSchema()).
		WithProperty("stopped_at", openapi3.NewDateTimeSchema())
}

func serviceStateSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("container_id", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema()).
		WithProperty("health", openapi3.NewStringSchema().
			WithEnum("starting", "healthy", "unhealthy", "unknown")).
		WithProperty("exit_code", openapi3.NewIntegerSchema()).
		WithProperty("error", openapi3.NewStringSchema())
}

func errorSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema())
}

// =============================================================================
// Helpers
// =============================================================================

func queryParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:        name,
			In:          "query",
			Description: description,
			Schema:      openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		},
	}
}

func jsonResponses(status, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	response := openapi3.NewResponse().WithDescription(description)
	if schema != nil {
		response = response.WithJSONSchemaRef(schema)
	}

	responses := &openapi3.Responses{}
	responses.Set(status, &openapi3.ResponseRef{Value: response})
	responses.Set("default", &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription("error").
			WithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/Error", nil)),
	})
	return responses
}
