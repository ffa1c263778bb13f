package domain

import (
	"strings"
	"time"
)

// ConnectionState is the health lifecycle of a registered connection.
type ConnectionState string

// Connection lifecycle states.
const (
	ConnectionUntested  ConnectionState = "untested"
	ConnectionHealthy   ConnectionState = "healthy"
	ConnectionUnhealthy ConnectionState = "unhealthy"
)

// ConnectionTypePostgres is the only supported target database type.
const ConnectionTypePostgres = "postgresql"

// ConnectionDescriptor is non-secret metadata identifying a tenant's target
// database. The password is held by the vault and never appears here.
type ConnectionDescriptor struct {
	ID           string
	TenantID     string
	OwnerID      string
	Name         string
	Type         string
	Host         string
	Port         int
	Database     string
	Username     string
	SSLEnabled   bool
	State        ConnectionState
	LastTestedAt *time.Time
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks that the descriptor is well-formed.
func (d *ConnectionDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrValidation("name is required")
	}
	if len(d.Name) > 255 {
		return ErrValidation("name must be at most 255 characters")
	}
	return ValidateTarget(d.Host, d.Port, d.Database, d.Username)
}

// ValidateTarget checks the addressing fields shared by stored descriptors and
// ad hoc connectivity tests.
func ValidateTarget(host string, port int, database, username string) error {
	if strings.TrimSpace(host) == "" {
		return ErrValidation("host is required")
	}
	if strings.ContainsAny(host, " /?#") {
		return ErrValidation("host %q is not a valid hostname", host)
	}
	if port < 1 || port > 65535 {
		return ErrValidation("port must be between 1 and 65535")
	}
	if strings.TrimSpace(database) == "" {
		return ErrValidation("database is required")
	}
	if strings.TrimSpace(username) == "" {
		return ErrValidation("username is required")
	}
	return nil
}

// ConnectionUpdate holds the mutable fields of a descriptor. Nil fields are
// left unchanged. A non-nil Password rotates the stored secret.
type ConnectionUpdate struct {
	Name       *string
	Host       *string
	Port       *int
	Database   *string
	Username   *string
	SSLEnabled *bool
	Password   *Secret
}

// Apply returns a copy of d with the update applied.
func (u ConnectionUpdate) Apply(d ConnectionDescriptor) ConnectionDescriptor {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Host != nil {
		d.Host = *u.Host
	}
	if u.Port != nil {
		d.Port = *u.Port
	}
	if u.Database != nil {
		d.Database = *u.Database
	}
	if u.Username != nil {
		d.Username = *u.Username
	}
	if u.SSLEnabled != nil {
		d.SSLEnabled = *u.SSLEnabled
	}
	return d
}

// TargetChanged reports whether the update touches anything that affects how
// a physical connection is opened.
func (u ConnectionUpdate) TargetChanged() bool {
	return u.Host != nil || u.Port != nil || u.Database != nil ||
		u.Username != nil || u.SSLEnabled != nil || u.Password != nil
}

// ConnectivityResult is the outcome of a connectivity test.
type ConnectivityResult struct {
	Success bool
	Latency time.Duration
	Err     *QueryError
}
