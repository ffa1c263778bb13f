package domain

import "log/slog"

const redacted = "[REDACTED]"

// Secret holds a connection password. Every formatting path renders it
// redacted; only Reveal returns the value.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext password.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the plaintext. Call it only where the value is handed to a driver.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
