package model

// Pagination bounds. PerPage is clamped into [MinPerPage, MaxPerPage].
const (
	MinPerPage     = 1
	MaxPerPage     = 100
	DefaultPerPage = 20
)

// Page is a generic offset-paginated result envelope. A page beyond the
// last one carries an empty Items with Total unchanged.
type Page[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Pages   int `json:"pages"`
}

// NewPage builds a Page, computing the page count from total and per_page.
func NewPage[T any](items []T, total, page, perPage int) Page[T] {
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PerPage: perPage, Pages: pages}
}

// ClampPage normalizes page and per_page values: page is at least 1 and
// per_page falls back to the default before clamping into range.
func ClampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage == 0 {
		perPage = DefaultPerPage
	}
	if perPage < MinPerPage {
		perPage = MinPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}
