package api

import "net/http"

// PaginationKey is used to store pagination parameters in the context.
type PaginationKey string

const (
	PageKey    PaginationKey = "page"
	PerPageKey PaginationKey = "per_page"
)

// pagination reads the parameters set by the paginate middleware.
func pagination(r *http.Request) (page, perPage int) {
	page, perPage = 1, 20
	if v, ok := r.Context().Value(PageKey).(int); ok {
		page = v
	}
	if v, ok := r.Context().Value(PerPageKey).(int); ok {
		perPage = v
	}
	return page, perPage
}
