package api

import (
	"net/http"
	"strconv"
)

// parseLimit reads ?limit=, falling back to defaultLimit when it is missing
// or out of range.
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	return limit
}
