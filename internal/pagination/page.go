package pagination

import "strconv"

const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

// Params describes offset pagination for list endpoints that report totals,
// such as the billing overview. Cursor pagination (cursor.go) is preferred
// for append-only feeds.
type Params struct {
	Page    int
	PerPage int
}

// ParseParams normalizes raw page/per_page query values. Out-of-range or
// unparseable values fall back to defaults rather than erroring.
func ParseParams(pageStr, perPageStr string) Params {
	p := Params{Page: 1, PerPage: DefaultPerPage}
	if n, err := strconv.Atoi(pageStr); err == nil && n >= 1 {
		p.Page = n
	}
	if n, err := strconv.Atoi(perPageStr); err == nil && n >= 1 {
		p.PerPage = n
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Slice applies the params to an in-memory result set.
func Slice[T any](items []T, p Params) []T {
	start := p.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
