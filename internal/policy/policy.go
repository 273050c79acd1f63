// Package policy evaluates named allow/deny rules against single records,
// independent of the main transformation chain. Policies are pure
// predicates; a policy failure is itself a verdict, never an abort.
package policy

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityBlock:
		return "block"
	default:
		return "unknown"
	}
}

type Verdict struct {
	Policy   string
	Allow    bool
	Severity Severity
	Reason   string
}

type Policy interface {
	ID() string
	Evaluate(s *model.Server) Verdict
}

// Engine runs every registered policy against one record. It is usable both
// inside the pipeline (pre-selection filter) and standalone (audit).
type Engine struct {
	policies []Policy
}

func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: policies}
}

func (e *Engine) Evaluate(s *model.Server) []Verdict {
	out := make([]Verdict, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, evaluateOne(p, s))
	}
	return out
}

// Blocked reports whether any blocking verdict denies the record, and
// returns the first one.
func (e *Engine) Blocked(s *model.Server) (bool, Verdict) {
	for _, p := range e.policies {
		v := evaluateOne(p, s)
		if !v.Allow && v.Severity >= SeverityBlock {
			return true, v
		}
	}
	return false, Verdict{}
}

// evaluateOne turns a panicking policy into a non-blocking deny verdict, per
// the "a failing policy evaluation never aborts the pipeline" contract.
func evaluateOne(p Policy, s *model.Server) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Verdict{
				Policy:   p.ID(),
				Allow:    false,
				Severity: SeverityWarn,
				Reason:   fmt.Sprintf("策略执行失败：%v", r),
			}
		}
	}()
	return p.Evaluate(s)
}

// GeoPolicy blocks by the "geo" annotation: Deny always wins, a non-empty
// Allow list blocks everything else. Unannotated records pass.
type GeoPolicy struct {
	Allow []string
	Deny  []string
}

func (GeoPolicy) ID() string { return "geo" }

func (p GeoPolicy) Evaluate(s *model.Server) Verdict {
	geo, ok := s.GetExtra("geo")
	if !ok || geo == "" {
		return Verdict{Policy: "geo", Allow: true, Severity: SeverityInfo, Reason: "无地理标注"}
	}
	geo = strings.ToUpper(geo)
	for _, d := range p.Deny {
		if strings.EqualFold(d, geo) {
			return Verdict{Policy: "geo", Allow: false, Severity: SeverityBlock,
				Reason: fmt.Sprintf("地区 %s 在拒绝列表中", geo)}
		}
	}
	if len(p.Allow) > 0 {
		for _, a := range p.Allow {
			if strings.EqualFold(a, geo) {
				return Verdict{Policy: "geo", Allow: true, Severity: SeverityInfo, Reason: "地区在允许列表中"}
			}
		}
		return Verdict{Policy: "geo", Allow: false, Severity: SeverityBlock,
			Reason: fmt.Sprintf("地区 %s 不在允许列表中", geo)}
	}
	return Verdict{Policy: "geo", Allow: true, Severity: SeverityInfo, Reason: "未命中任何规则"}
}

// ProtocolPolicy restricts records to an explicit protocol allow-list. An
// empty list allows everything.
type ProtocolPolicy struct {
	Allow []model.Protocol
}

func (ProtocolPolicy) ID() string { return "protocol" }

func (p ProtocolPolicy) Evaluate(s *model.Server) Verdict {
	if len(p.Allow) == 0 {
		return Verdict{Policy: "protocol", Allow: true, Severity: SeverityInfo, Reason: "无协议限制"}
	}
	for _, a := range p.Allow {
		if a == s.Protocol {
			return Verdict{Policy: "protocol", Allow: true, Severity: SeverityInfo, Reason: "协议在允许列表中"}
		}
	}
	return Verdict{Policy: "protocol", Allow: false, Severity: SeverityBlock,
		Reason: fmt.Sprintf("协议 %s 不在允许列表中", s.Protocol)}
}
