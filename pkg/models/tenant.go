package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an organization or team. Every other entity belongs to
// a tenant; submissions and rate budgets are tracked per tenant with no
// ordering across tenants.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Vocabulary is the tenant-specific set of allowed labels the provider may
// choose among. It may be empty; an empty vocabulary is not an error.
type Vocabulary struct {
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	Version   int       `db:"version"    json:"version"`
	Labels    []string  `db:"labels"     json:"labels"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
