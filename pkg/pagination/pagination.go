package pagination

import (
	"fmt"
	"strconv"

	"callsignal/pkg/constants"
)

// Params is a limit/offset window over a newest-first listing
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps limit to [1, MaxPageSize], substituting the default for
// zero or negative values, and floors offset at zero
func Normalize(limit, offset int) Params {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Parse reads limit, offset and page query values. Empty values take their
// defaults. A page, when present, overrides offset.
func Parse(limitStr, offsetStr, pageStr string) (Params, error) {
	limit, err := atoi("limit", limitStr)
	if err != nil {
		return Params{}, err
	}
	offset, err := atoi("offset", offsetStr)
	if err != nil {
		return Params{}, err
	}
	page, err := atoi("page", pageStr)
	if err != nil {
		return Params{}, err
	}

	p := Normalize(limit, offset)
	if page > 0 {
		p.Offset = (page - 1) * p.Limit
	}
	return p, nil
}

func atoi(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return n, nil
}
