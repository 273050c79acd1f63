package middleware

import (
	"errors"
	"testing"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func TestTagNormalizer(t *testing.T) {
	servers := []model.Server{
		{Protocol: model.ProtocolShadowsocks, Address: "a.example", Port: 1, Tag: "  node\x01one "},
		{Protocol: model.ProtocolShadowsocks, Address: "b.example", Port: 2},
	}
	pctx := model.NewContext(model.ModeTolerant)
	out := Chain{Stages: []Middleware{TagNormalizer{}}}.Process(servers, pctx)

	if out[0].Tag != "nodeone" {
		t.Fatalf("tag=%q", out[0].Tag)
	}
	if out[1].Tag != "b.example:2" {
		t.Fatalf("fallback tag=%q", out[1].Tag)
	}
	if pctx.ErrorCount() != 0 {
		t.Fatalf("errors=%v", pctx.Errors())
	}
}

func TestGeoAnnotator(t *testing.T) {
	servers := []model.Server{
		{Address: "a", Port: 1, Tag: "US-01 fast"},
		{Address: "b", Port: 2, Tag: "[JP] tokyo"},
		{Address: "c", Port: 3, Tag: "no code here"},
	}
	out := Chain{Stages: []Middleware{GeoAnnotator{}}}.Process(servers, model.NewContext(model.ModeTolerant))

	if v, _ := out[0].GetExtra("geo"); v != "US" {
		t.Fatalf("geo=%q", v)
	}
	if v, _ := out[1].GetExtra("geo"); v != "JP" {
		t.Fatalf("geo=%q", v)
	}
	if _, ok := out[2].GetExtra("geo"); ok {
		t.Fatalf("unexpected geo on %+v", out[2])
	}
}

func TestGeoAnnotator_DoesNotOverride(t *testing.T) {
	s := model.Server{Address: "a", Port: 1, Tag: "US node"}
	s.SetExtra("geo", "DE")
	out := Chain{Stages: []Middleware{GeoAnnotator{}}}.Process([]model.Server{s}, model.NewContext(model.ModeTolerant))
	if v, _ := out[0].GetExtra("geo"); v != "DE" {
		t.Fatalf("geo=%q, want=DE", v)
	}
}

func TestChain_StageOrderChangesAnnotations(t *testing.T) {
	// The control character hides the country code until TagNormalizer strips
	// it, so the two orderings annotate differently.
	mk := func() []model.Server {
		return []model.Server{{Address: "a", Port: 1, Tag: "\x1fUS node"}}
	}

	out := Chain{Stages: []Middleware{TagNormalizer{}, GeoAnnotator{}}}.
		Process(mk(), model.NewContext(model.ModeTolerant))
	if v, _ := out[0].GetExtra("geo"); v != "US" {
		t.Fatalf("normalize-then-annotate: geo=%q, want=US", v)
	}

	out = Chain{Stages: []Middleware{GeoAnnotator{}, TagNormalizer{}}}.
		Process(mk(), model.NewContext(model.ModeTolerant))
	if _, ok := out[0].GetExtra("geo"); ok {
		t.Fatal("annotate-then-normalize must miss the hidden country code")
	}
}

type failing struct{ err error }

func (f failing) ID() string                  { return "failing" }
func (f failing) Apply(s *model.Server) error { return f.err }

type panicking struct{}

func (panicking) ID() string                { return "panicking" }
func (panicking) Apply(*model.Server) error { panic("boom") }

func TestChain_RecordFailureDoesNotDropRecords(t *testing.T) {
	servers := []model.Server{{Address: "a", Port: 1}, {Address: "b", Port: 2}}
	pctx := model.NewContext(model.ModeTolerant)
	out := Chain{Stages: []Middleware{failing{err: errors.New("nope")}, panicking{}}}.Process(servers, pctx)

	if len(out) != 2 {
		t.Fatalf("middleware must not remove records, len=%d", len(out))
	}
	// 2 stages x 2 records, every application failed.
	if pctx.ErrorCount() != 4 {
		t.Fatalf("errors=%d, want=4", pctx.ErrorCount())
	}
}

func TestTraceAnnotator_DebugGated(t *testing.T) {
	servers := []model.Server{{Address: "a", Port: 1}}
	out := Chain{Stages: []Middleware{TraceAnnotator{TraceID: "t-1", DebugLevel: 0}}}.
		Process(servers, model.NewContext(model.ModeTolerant))
	if _, ok := out[0].GetExtra("trace_id"); ok {
		t.Fatal("trace annotation must be gated behind debug level")
	}

	out = Chain{Stages: []Middleware{TraceAnnotator{TraceID: "t-1", DebugLevel: 2}}}.
		Process(servers, model.NewContext(model.ModeTolerant))
	if v, _ := out[0].GetExtra("trace_id"); v != "t-1" {
		t.Fatalf("trace_id=%q", v)
	}
}
