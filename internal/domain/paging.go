package domain

import "math"

// Paging defaults applied when the caller omits or exceeds them.
const (
	DefaultPageSize = 10
	MaxPageSize     = 500
)

// PageRequest is a validated offset/limit window.
type PageRequest struct {
	PageNumber int
	PageSize   int
}

// Offset returns the zero-based row offset of the page. It saturates at
// math.MaxInt instead of wrapping.
func (p PageRequest) Offset() int {
	if p.PageNumber < 1 || p.PageSize < 1 {
		return 0
	}
	if p.PageNumber-1 > math.MaxInt/p.PageSize {
		return math.MaxInt
	}
	return (p.PageNumber - 1) * p.PageSize
}

// Window returns the [start, end) slice bounds of the page within total rows.
func (p PageRequest) Window(total int) (int, int) {
	start := p.Offset()
	if start > total {
		start = total
	}
	end := total
	if p.PageSize < total-start {
		end = start + p.PageSize
	}
	return start, end
}

// PageResult is the response body of list and search.
type PageResult struct {
	Category   Category `json:"category"`
	Items      any      `json:"items"`
	Total      int      `json:"total"`
	PageNumber int      `json:"page_number"`
	PageSize   int      `json:"page_size"`
}
