package postprocess

import (
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// GeoFilter keeps records by the "geo" annotation. An empty Allow list means
// "allow everything not denied". Records without a geo annotation are only
// dropped when an Allow list is set.
type GeoFilter struct {
	Allow []string
	Deny  []string
}

func (GeoFilter) ID() string { return "geo-filter" }

func (f GeoFilter) Process(servers []model.Server) ([]model.Server, error) {
	allow := toSet(f.Allow)
	deny := toSet(f.Deny)
	out := servers[:0:0]
	for _, s := range servers {
		geo, _ := s.GetExtra("geo")
		geo = strings.ToUpper(geo)
		if _, bad := deny[geo]; bad && geo != "" {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[geo]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// TagFilter narrows by tag substring sets. An include list only applies to
// records that actually carry a tag; untagged records survive it unless
// DropUntagged is set.
type TagFilter struct {
	Include      []string
	Exclude      []string
	DropUntagged bool
}

func (TagFilter) ID() string { return "tag-filter" }

func (f TagFilter) Process(servers []model.Server) ([]model.Server, error) {
	out := servers[:0:0]
	for _, s := range servers {
		if matchesAny(s.Tag, f.Exclude) {
			continue
		}
		if len(f.Include) > 0 && !matchesAny(s.Tag, f.Include) {
			if s.Tag != "" || f.DropUntagged {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func matchesAny(tag string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(strings.ToLower(tag), strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// LatencySort orders ascending by the "latency_ms" annotation. Records
// without a latency measurement sort last, keeping their relative order.
// MaxLatencyMS > 0 additionally cuts off everything slower.
type LatencySort struct {
	MaxLatencyMS int
}

func (LatencySort) ID() string { return "latency-sort" }

func (f LatencySort) Process(servers []model.Server) ([]model.Server, error) {
	type keyed struct {
		srv     model.Server
		latency int
		ok      bool
	}
	tmp := make([]keyed, 0, len(servers))
	for _, s := range servers {
		k := keyed{srv: s}
		if v, ok := s.GetExtra("latency_ms"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				k.latency, k.ok = n, true
			}
		}
		if f.MaxLatencyMS > 0 && k.ok && k.latency > f.MaxLatencyMS {
			continue
		}
		tmp = append(tmp, k)
	}
	sort.SliceStable(tmp, func(i, j int) bool {
		if tmp[i].ok != tmp[j].ok {
			return tmp[i].ok
		}
		if !tmp[i].ok {
			return false
		}
		return tmp[i].latency < tmp[j].latency
	})
	out := make([]model.Server, len(tmp))
	for i, k := range tmp {
		out[i] = k.srv
	}
	return out, nil
}

// Dedup removes duplicate endpoints, first occurrence wins. The key is the
// stable record identity (protocol+address+port), so renamed duplicates
// still collapse. Running it twice is a no-op.
type Dedup struct{}

func (Dedup) ID() string { return "dedup" }

func (Dedup) Process(servers []model.Server) ([]model.Server, error) {
	seen := make(map[string]struct{}, len(servers))
	out := servers[:0:0]
	for _, s := range servers {
		key := s.ID()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func toSet(in []string) map[string]struct{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
