package domain

import "context"

// Translator turns a natural-language question into candidate SQL text.
// The returned text is untrusted.
type Translator interface {
	Translate(ctx context.Context, question string, schema SchemaContext) (string, error)
}

// SchemaProvider describes the tables visible through a tenant's connection.
type SchemaProvider interface {
	Describe(ctx context.Context, tenantID, connectionID string) (SchemaContext, error)
}

// SchemaInvalidator drops cached schema context for a connection.
type SchemaInvalidator interface {
	Invalidate(ctx context.Context, tenantID, connectionID string)
}
