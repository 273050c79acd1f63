package postprocess

import (
	"errors"
	"reflect"
	"testing"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func srv(addr string, port uint16, tag string) model.Server {
	return model.Server{Protocol: model.ProtocolShadowsocks, Address: addr, Port: port, Tag: tag}
}

func tags(servers []model.Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Tag
	}
	return out
}

func TestDedup_FirstWinsAndIdempotent(t *testing.T) {
	in := []model.Server{
		srv("a.example", 1, "first"),
		srv("b.example", 2, "other"),
		srv("a.example", 1, "renamed-duplicate"),
	}
	once, err := Dedup{}.Process(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(tags(once), []string{"first", "other"}) {
		t.Fatalf("tags=%v", tags(once))
	}

	twice, err := Dedup{}.Process(once)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(twice, once) {
		t.Fatalf("dedup must be idempotent: %v vs %v", tags(twice), tags(once))
	}
}

func TestGeoFilter(t *testing.T) {
	us := srv("a", 1, "us")
	us.SetExtra("geo", "US")
	de := srv("b", 2, "de")
	de.SetExtra("geo", "DE")
	unknown := srv("c", 3, "unknown")

	out, _ := GeoFilter{Deny: []string{"DE"}}.Process([]model.Server{us, de, unknown})
	if !reflect.DeepEqual(tags(out), []string{"us", "unknown"}) {
		t.Fatalf("deny: %v", tags(out))
	}

	out, _ = GeoFilter{Allow: []string{"US"}}.Process([]model.Server{us, de, unknown})
	if !reflect.DeepEqual(tags(out), []string{"us"}) {
		t.Fatalf("allow: %v", tags(out))
	}
}

func TestTagFilter_FallbackForUntagged(t *testing.T) {
	in := []model.Server{srv("a", 1, "tokyo-premium"), srv("b", 2, "")}

	// Zero value keeps untagged records despite the include list.
	out, _ := TagFilter{Include: []string{"premium"}}.Process(in)
	if !reflect.DeepEqual(tags(out), []string{"tokyo-premium", ""}) {
		t.Fatalf("keep-untagged: %v", tags(out))
	}

	out, _ = TagFilter{Include: []string{"premium"}, DropUntagged: true}.Process(in)
	if !reflect.DeepEqual(tags(out), []string{"tokyo-premium"}) {
		t.Fatalf("drop-untagged: %v", tags(out))
	}

	out, _ = TagFilter{Exclude: []string{"tokyo"}}.Process(in)
	if !reflect.DeepEqual(tags(out), []string{""}) {
		t.Fatalf("exclude: %v", tags(out))
	}
}

func TestLatencySort_MissingLast(t *testing.T) {
	fast := srv("a", 1, "fast")
	fast.SetExtra("latency_ms", "20")
	slow := srv("b", 2, "slow")
	slow.SetExtra("latency_ms", "400")
	unknownA := srv("c", 3, "unknown-a")
	unknownB := srv("d", 4, "unknown-b")

	out, _ := LatencySort{}.Process([]model.Server{unknownA, slow, fast, unknownB})
	if !reflect.DeepEqual(tags(out), []string{"fast", "slow", "unknown-a", "unknown-b"}) {
		t.Fatalf("order: %v", tags(out))
	}

	out, _ = LatencySort{MaxLatencyMS: 100}.Process([]model.Server{unknownA, slow, fast})
	if !reflect.DeepEqual(tags(out), []string{"fast", "unknown-a"}) {
		t.Fatalf("cutoff: %v", tags(out))
	}
}

func TestChain_StageOrderChangesResult(t *testing.T) {
	// Two records share an endpoint identity under different tags, so dedup
	// before filtering keeps a different survivor set than filtering first.
	mk := func() []model.Server {
		return []model.Server{
			srv("a.example", 1, "free"),
			srv("a.example", 1, "premium"),
		}
	}
	pctx := model.NewContext(model.ModeTolerant)

	out := Chain{Stages: []Stage{Dedup{}, TagFilter{Include: []string{"premium"}}}}.Process(mk(), pctx)
	if len(out) != 0 {
		t.Fatalf("dedup-first must keep the free duplicate and then drop it: %v", tags(out))
	}

	out = Chain{Stages: []Stage{TagFilter{Include: []string{"premium"}}, Dedup{}}}.Process(mk(), pctx)
	if !reflect.DeepEqual(tags(out), []string{"premium"}) {
		t.Fatalf("filter-first: %v", tags(out))
	}
}

type explosive struct{}

func (explosive) ID() string { return "explosive" }
func (explosive) Process([]model.Server) ([]model.Server, error) {
	return nil, errors.New("stage broke")
}

func TestChain_FailingStageSkipped(t *testing.T) {
	in := []model.Server{srv("a", 1, "keep"), srv("a", 1, "dup")}
	pctx := model.NewContext(model.ModeTolerant)

	out := Chain{Stages: []Stage{explosive{}, Dedup{}}}.Process(in, pctx)
	if !reflect.DeepEqual(tags(out), []string{"keep"}) {
		t.Fatalf("failing stage must be skipped, later stages still run: %v", tags(out))
	}
	if pctx.ErrorCount() != 1 {
		t.Fatalf("errors=%d, want=1", pctx.ErrorCount())
	}
}
