package models

import (
	"time"
)

// Tenant owns flows, runs and usage. Tenants are resolved from the caller's
// email domain at the API boundary.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
