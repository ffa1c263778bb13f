package domain

// DefaultPageSize is the page size used when none is specified.
const DefaultPageSize = 20

// MaxPageSize is the maximum allowed page size.
const MaxPageSize = 100

// PageRequest holds 1-based page parameters for list operations.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize clamps the request into its valid range.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

// Limit returns the effective page size.
func (p PageRequest) Limit() int {
	return p.Normalize().PageSize
}

// Offset returns the number of rows to skip.
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}
