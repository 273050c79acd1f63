// Package export encodes canonical server records into a client-ready config
// document. Exporters are registered by target id; record-level problems are
// skips with a warning, only a wholly empty result is an error.
package export

import (
	"fmt"

	"github.com/John-Robertt/subpipe-go/internal/model"
	"github.com/John-Robertt/subpipe-go/internal/registry"
)

const stage = "export"

type ExportError struct {
	AppError model.AppError
	Cause    error
}

func (e *ExportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

func newExportError(code, message string, cause error) *ExportError {
	return &ExportError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
		},
		Cause: cause,
	}
}

// ClientProfile describes the client-side half of the document: listeners and
// routing. nil means "outbounds only", which is what API consumers want.
type ClientProfile struct {
	Inbounds []InboundSpec
	// AllowLAN binds listeners to 0.0.0.0 instead of loopback.
	AllowLAN bool

	// PrivateDirect routes private-range destinations around the proxy.
	PrivateDirect bool
	// GeoIPDirect lists country codes whose destinations bypass the proxy.
	GeoIPDirect []string

	// URLTest adds an automatic latency-probe group over every exported tag
	// and makes it the default route.
	URLTest bool
}

// InboundSpec is one listener. Type: socks, http, mixed, redirect, tun.
// Port is ignored for tun.
type InboundSpec struct {
	Type string
	Port uint16
}

// Exporter encodes one target format.
type Exporter interface {
	ID() string
	Export(servers []model.Server, profile *ClientProfile, pctx *model.PipelineContext) ([]byte, error)
}

const IDSingBox = "sing-box"

// DefaultRegistry registers every built-in exporter.
func DefaultRegistry() *registry.Registry[Exporter] {
	r := registry.New[Exporter]("exporter")
	r.MustRegister(IDSingBox, func() Exporter { return &SingBoxExporter{} })
	return r
}

// Export dispatches to the exporter registered under target.
func Export(reg *registry.Registry[Exporter], servers []model.Server, target string, profile *ClientProfile, pctx *model.PipelineContext) ([]byte, error) {
	exp, err := reg.Build(target)
	if err != nil {
		return nil, newExportError("UNSUPPORTED_TARGET",
			fmt.Sprintf("不支持的 target：%s", target), err)
	}
	return exp.Export(servers, profile, pctx)
}
