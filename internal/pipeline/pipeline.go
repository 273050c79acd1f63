// Package pipeline wires fetch, parse, validation, policy, transformation and
// export into one coordinated run. The coordinator owns stage ordering and the
// strict/tolerant escalation rules; the stages themselves stay mode-agnostic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/John-Robertt/subpipe-go/internal/cache"
	"github.com/John-Robertt/subpipe-go/internal/export"
	"github.com/John-Robertt/subpipe-go/internal/fetch"
	"github.com/John-Robertt/subpipe-go/internal/metrics"
	"github.com/John-Robertt/subpipe-go/internal/middleware"
	"github.com/John-Robertt/subpipe-go/internal/model"
	"github.com/John-Robertt/subpipe-go/internal/parse"
	"github.com/John-Robertt/subpipe-go/internal/policy"
	"github.com/John-Robertt/subpipe-go/internal/postprocess"
	"github.com/John-Robertt/subpipe-go/internal/registry"
	"github.com/John-Robertt/subpipe-go/internal/selector"
	"github.com/John-Robertt/subpipe-go/internal/validate"
)

// Stage names, in execution order. They appear in error entries and debug
// notes, not in any public API.
const (
	stageFetch    = "fetch"
	stageParse    = "parse"
	stageValidate = "validate"
	stagePolicy   = "policy"
	stageSelect   = "select"
	stageExport   = "export"
)

// FetchFunc retrieves one source. Injectable so tests can count fetches.
type FetchFunc func(ctx context.Context, source model.SubscriptionSource, opt fetch.Options) ([]byte, error)

// Config collects the injected collaborators. Zero-value fields fall back to
// the built-in defaults.
type Config struct {
	Parsers   *parse.Set
	Exporters *registry.Registry[export.Exporter]
	Policies  *policy.Engine
	Cache     *cache.Manager[*model.PipelineResult]
	Metrics   *metrics.Pipeline
	Fetch     FetchFunc
}

// Options configures one run.
type Options struct {
	Fetch  fetch.Options
	Target string // exporter id; default sing-box

	Profile *export.ClientProfile

	// Middlewares / PostStages override the default chains when non-nil.
	Middlewares []middleware.Middleware
	PostStages  []postprocess.Stage

	Routes     []string
	Excluded   map[string]struct{}
	TagFilters []string

	ForceReload bool
}

type Coordinator struct {
	parsers   *parse.Set
	exporters *registry.Registry[export.Exporter]
	policies  *policy.Engine
	cache     *cache.Manager[*model.PipelineResult]
	metrics   *metrics.Pipeline
	fetchFn   FetchFunc
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		parsers:   cfg.Parsers,
		exporters: cfg.Exporters,
		policies:  cfg.Policies,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		fetchFn:   cfg.Fetch,
	}
	if c.parsers == nil {
		c.parsers = parse.NewSet(parse.DefaultRegistry())
	}
	if c.exporters == nil {
		c.exporters = export.DefaultRegistry()
	}
	if c.fetchFn == nil {
		c.fetchFn = fetch.Fetch
	}
	return c
}

// errRunFailed keeps failed results out of the cache; the result value itself
// still travels back to the caller.
var errRunFailed = errors.New("pipeline run failed")

// GetServers runs the pipeline up to selection and returns the surviving
// records without encoding them.
func (c *Coordinator) GetServers(ctx context.Context, pctx *model.PipelineContext, source model.SubscriptionSource, opts Options) *model.PipelineResult {
	return c.cached(ctx, pctx, source, opts, false)
}

// ExportConfig runs the full pipeline and returns the encoded target config.
func (c *Coordinator) ExportConfig(ctx context.Context, pctx *model.PipelineContext, source model.SubscriptionSource, opts Options) *model.PipelineResult {
	return c.cached(ctx, pctx, source, opts, true)
}

func (c *Coordinator) cached(ctx context.Context, pctx *model.PipelineContext, source model.SubscriptionSource, opts Options, wantConfig bool) *model.PipelineResult {
	if c.cache == nil {
		return c.run(ctx, pctx, source, opts, wantConfig)
	}

	// The operation and target participate in the key: a server listing and
	// an encoded config for the same source are distinct results.
	op := "list"
	if wantConfig {
		op = "config:" + targetOf(opts)
	}
	key := cache.NewKey(source, append([]string{"op:" + op}, opts.TagFilters...), pctx.Mode)

	res, _ := c.cache.GetOrCompute(key, opts.ForceReload, func() (*model.PipelineResult, error) {
		r := c.run(ctx, pctx, source, opts, wantConfig)
		if !r.Success {
			return r, errRunFailed
		}
		return r, nil
	})
	return res
}

func targetOf(opts Options) string {
	if opts.Target == "" {
		return export.IDSingBox
	}
	return opts.Target
}

func (c *Coordinator) run(ctx context.Context, pctx *model.PipelineContext, source model.SubscriptionSource, opts Options, wantConfig bool) *model.PipelineResult {
	start := time.Now()
	res := c.runStages(ctx, pctx, source, opts, wantConfig)
	res.Errors = pctx.Errors()

	outcome := "success"
	switch {
	case !res.Success:
		outcome = "failed"
	case len(res.Errors) > 0:
		outcome = "degraded"
	}
	c.metrics.RecordRun(string(pctx.Mode), outcome, time.Since(start))
	return res
}

func (c *Coordinator) runStages(ctx context.Context, pctx *model.PipelineContext, source model.SubscriptionSource, opts Options, wantConfig bool) *model.PipelineResult {
	fail := func() *model.PipelineResult { return &model.PipelineResult{Success: false} }
	strict := pctx.Mode == model.ModeStrict

	// FETCH — any failure here is fatal in both modes.
	raw, err := c.fetchFn(ctx, source, opts.Fetch)
	scheme := schemeOf(source.URL)
	if err != nil {
		c.metrics.RecordFetch(scheme, "error")
		pctx.AddError(model.KindFetch, stageFetch, err.Error(), model.RedactURL(source.URL))
		return fail()
	}
	c.metrics.RecordFetch(scheme, "ok")

	// DETECT_PARSE — zero parseable records is fatal in both modes; an
	// entry-level warning fails a strict run and degrades a tolerant one.
	servers, usedParser, warns, err := c.parsers.DetectAndParse(source.URL, raw, source.DeclaredType)
	if err != nil {
		pctx.AddError(model.KindParse, stageParse, err.Error(), model.RedactURL(source.URL))
		return fail()
	}
	pctx.Note("parser", usedParser)
	for _, w := range warns {
		pctx.AddError(model.KindParse, stageParse, w.Message, w.Snippet)
	}
	c.metrics.RecordRecords(stageParse, "kept", len(servers))
	c.metrics.RecordRecords(stageParse, "dropped", len(warns))
	if strict && len(warns) > 0 {
		return fail()
	}

	// VALIDATE
	valid, issues := validate.Servers(servers)
	for _, is := range issues {
		pctx.AddError(model.KindValidation, stageValidate,
			fmt.Sprintf("节点 %s 校验失败：%s", is.Tag, is.Message), is.ServerID)
	}
	c.metrics.RecordRecords(stageValidate, "kept", len(valid))
	c.metrics.RecordRecords(stageValidate, "dropped", len(issues))
	if strict && len(issues) > 0 {
		return fail()
	}
	if len(valid) == 0 {
		pctx.AddError(model.KindValidation, stageValidate, "订阅中没有任何有效节点", model.RedactURL(source.URL))
		return fail()
	}

	// POLICY — a blocked record is an enforced drop, not a failure, in both
	// modes; the verdict is still recorded.
	if c.policies != nil {
		kept := valid[:0:0]
		blocked := 0
		for i := range valid {
			if deny, v := c.policies.Blocked(&valid[i]); deny {
				blocked++
				pctx.AddError(model.KindPolicy, stagePolicy,
					fmt.Sprintf("节点被策略 %s 拦截：%s", v.Policy, v.Reason), valid[i].ID())
				continue
			}
			kept = append(kept, valid[i])
		}
		c.metrics.RecordRecords(stagePolicy, "kept", len(kept))
		c.metrics.RecordRecords(stagePolicy, "dropped", blocked)
		valid = kept
	}

	// MIDDLEWARE / POSTPROCESS_SELECT
	mws := opts.Middlewares
	if mws == nil {
		mws = defaultMiddlewares(pctx)
	}
	valid = middleware.Chain{Stages: mws}.Process(valid, pctx)

	stages := opts.PostStages
	if stages == nil {
		stages = []postprocess.Stage{postprocess.Dedup{}}
		if len(opts.TagFilters) > 0 {
			stages = append([]postprocess.Stage{postprocess.TagFilter{Include: opts.TagFilters}}, stages...)
		}
	}
	valid = postprocess.Chain{Stages: stages}.Process(valid, pctx)

	selected := selector.Select(valid, opts.Routes, opts.Excluded)
	c.metrics.RecordRecords(stageSelect, "kept", len(selected))
	c.metrics.RecordRecords(stageSelect, "dropped", len(valid)-len(selected))

	if !wantConfig {
		return &model.PipelineResult{Servers: selected, Success: true}
	}

	// EXPORT
	before := pctx.ErrorCount()
	config, err := export.Export(c.exporters, selected, targetOf(opts), opts.Profile, pctx)
	if err != nil {
		pctx.AddError(model.KindExport, stageExport, err.Error(), "")
		return fail()
	}
	if strict && pctx.ErrorCount() > before {
		return fail()
	}
	return &model.PipelineResult{Servers: selected, Config: config, Success: true}
}

func defaultMiddlewares(pctx *model.PipelineContext) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.TagNormalizer{},
		middleware.GeoAnnotator{},
	}
	if pctx.DebugLevel >= 2 {
		mws = append(mws, middleware.TraceAnnotator{TraceID: pctx.TraceID, DebugLevel: pctx.DebugLevel})
	}
	return mws
}

func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u == nil || u.Scheme == "" {
		return "unknown"
	}
	return u.Scheme
}
