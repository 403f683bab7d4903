package models

import (
	"strings"
	"time"
)

// Tenant is an organization; the unit of data isolation. Users map to a
// tenant through the domain of their e-mail address.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantDomain returns the lower-cased domain part of email.
func TenantDomain(email string) (string, bool) {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", false
	}
	return strings.ToLower(domain), true
}
