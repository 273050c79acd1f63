// Package selector applies the caller's inclusion/exclusion sets after
// postprocessing. Exclusions always win; an empty selection result is valid
// and it is the caller's call whether that is fatal.
package selector

import (
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// Select removes excluded endpoints (by stable record id) unconditionally,
// then narrows the remainder by user routes. A route matches a record by
// exact tag, by the geo annotation (2-letter country code) or by 1-based
// index into the post-exclusion list. Empty routes means "keep everything".
func Select(servers []model.Server, routes []string, excluded map[string]struct{}) []model.Server {
	kept := servers[:0:0]
	for _, s := range servers {
		if _, out := excluded[s.ID()]; out {
			continue
		}
		kept = append(kept, s)
	}
	if len(routes) == 0 {
		return kept
	}

	out := kept[:0:0]
	for i, s := range kept {
		if routeMatch(s, i, routes) {
			out = append(out, s)
		}
	}
	return out
}

func routeMatch(s model.Server, idx int, routes []string) bool {
	geo, _ := s.GetExtra("geo")
	for _, r := range routes {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if r == s.Tag {
			return true
		}
		if len(r) == 2 && strings.EqualFold(r, geo) {
			return true
		}
		if n, err := strconv.Atoi(r); err == nil && n == idx+1 {
			return true
		}
	}
	return false
}
