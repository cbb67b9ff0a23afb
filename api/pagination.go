package api

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// page is a validated limit/offset window.
type page struct {
	limit  int
	offset int
}

// parsePage reads the "limit" and "offset" query parameters. Absent values
// take the defaults; malformed or negative values are rejected. A limit
// above maxPageLimit is capped.
func parsePage(r *http.Request) (page, error) {
	p := page{limit: defaultPageLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page{}, fmt.Errorf("invalid limit %q", v)
		}
		p.limit = min(n, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page{}, fmt.Errorf("invalid offset %q", v)
		}
		p.offset = n
	}
	return p, nil
}

// paginate returns the window of items selected by p. An offset past the
// end yields an empty, non-nil slice.
func paginate[T any](items []T, p page) ([]T, PaginationMeta) {
	start := min(p.offset, len(items))
	end := min(start+p.limit, len(items))
	out := items[start:end:end]
	if out == nil {
		out = []T{}
	}
	return out, PaginationMeta{
		TotalCount: len(items),
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < len(items),
	}
}
