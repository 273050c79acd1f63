package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/John-Robertt/subpipe-go/internal/cache"
	"github.com/John-Robertt/subpipe-go/internal/exclusions"
	"github.com/John-Robertt/subpipe-go/internal/fetch"
	"github.com/John-Robertt/subpipe-go/internal/metrics"
	"github.com/John-Robertt/subpipe-go/internal/model"
	"github.com/John-Robertt/subpipe-go/internal/pipeline"
	"github.com/John-Robertt/subpipe-go/internal/policy"
)

func main() {
	url := flag.String("url", "", "订阅地址（http/https/file）")
	declaredType := flag.String("type", "", "显式指定订阅格式（uri/json/clash/sing-box），留空自动识别")
	target := flag.String("target", "sing-box", "导出目标格式")
	mode := flag.String("mode", "tolerant", "容错模式（strict/tolerant）")
	userAgent := flag.String("user-agent", "", "拉取订阅时使用的 User-Agent")
	timeout := flag.Duration("timeout", 15*time.Second, "单次远程拉取的超时")
	exclusionsPath := flag.String("exclusions", "", "排除列表文件路径（JSON）")
	fileRoot := flag.String("file-root", "", "file:// 订阅允许访问的根目录（留空则禁用 file://）")
	list := flag.Bool("list", false, "仅输出节点列表，不导出配置")
	audit := flag.Bool("audit", false, "输出每个节点的策略评估结果")
	forceReload := flag.Bool("force-reload", false, "忽略缓存，强制重新拉取")
	debug := flag.Int("debug", 0, "调试级别（0-2）")
	flag.Parse()

	if *url == "" {
		flag.Usage()
		os.Exit(1)
	}

	var excluded map[string]struct{}
	if *exclusionsPath != "" {
		lst, err := exclusions.Load(*exclusionsPath)
		if err != nil {
			log.Fatalf("exclusions: %v", err)
		}
		excluded = lst.IDSet()
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	engine := policy.NewEngine(policy.GeoPolicy{}, policy.ProtocolPolicy{})
	coord := pipeline.New(pipeline.Config{
		Policies: engine,
		Cache:    cache.NewManager[*model.PipelineResult](),
		Metrics:  m,
	})

	pctx := model.NewContext(model.Mode(*mode))
	pctx.DebugLevel = *debug

	source := model.SubscriptionSource{
		URL:          *url,
		DeclaredType: *declaredType,
		UserAgent:    *userAgent,
	}
	opts := pipeline.Options{
		Fetch:       fetch.Options{Timeout: *timeout, FileRoot: *fileRoot},
		Target:      *target,
		Excluded:    excluded,
		ForceReload: *forceReload,
	}

	ctx := context.Background()

	var res *model.PipelineResult
	if *list || *audit {
		res = coord.GetServers(ctx, pctx, source, opts)
	} else {
		res = coord.ExportConfig(ctx, pctx, source, opts)
	}

	for _, e := range res.Errors {
		log.Printf("[%s/%s] %s %s", e.Kind, e.Stage, e.Message, e.Context)
	}
	if !res.Success {
		log.Printf("trace=%s run failed", pctx.TraceID)
		os.Exit(1)
	}

	switch {
	case *audit:
		printAudit(engine, res.Servers)
	case *list:
		printServers(res.Servers)
	default:
		os.Stdout.Write(res.Config)
	}
}

// serverView is the listing shape: identity and routing hints, no credentials.
type serverView struct {
	ID       string `json:"id"`
	Tag      string `json:"tag"`
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Geo      string `json:"geo,omitempty"`
}

func viewOf(s *model.Server) serverView {
	geo, _ := s.GetExtra("geo")
	return serverView{
		ID:       s.ID(),
		Tag:      s.Tag,
		Protocol: string(s.Protocol),
		Address:  s.Address,
		Port:     s.Port,
		Geo:      geo,
	}
}

func printServers(servers []model.Server) {
	views := make([]serverView, len(servers))
	for i := range servers {
		views[i] = viewOf(&servers[i])
	}
	writeJSON(views)
}

type auditView struct {
	Server   serverView    `json:"server"`
	Verdicts []verdictView `json:"verdicts"`
}

type verdictView struct {
	Policy   string `json:"policy"`
	Allow    bool   `json:"allow"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

func printAudit(engine *policy.Engine, servers []model.Server) {
	out := make([]auditView, 0, len(servers))
	for i := range servers {
		verdicts := engine.Evaluate(&servers[i])
		views := make([]verdictView, len(verdicts))
		for j, v := range verdicts {
			views[j] = verdictView{
				Policy:   v.Policy,
				Allow:    v.Allow,
				Severity: v.Severity.String(),
				Reason:   v.Reason,
			}
		}
		out = append(out, auditView{Server: viewOf(&servers[i]), Verdicts: views})
	}
	writeJSON(out)
}

func writeJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	os.Stdout.Write(append(data, '\n'))
}
