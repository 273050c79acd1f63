// Package middleware is the annotate-only half of the transformation
// pipeline. Middlewares enrich records in place; they never remove them
// (filtering belongs to postprocess) and a per-record failure never stops
// the chain.
package middleware

import (
	"fmt"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

const stage = "middleware"

type Middleware interface {
	ID() string
	// Apply annotates one record in place. An error marks the record as
	// "annotation failed" in the context; the record itself stays.
	Apply(s *model.Server) error
}

// Chain runs middlewares in the configured order. Order is significant and
// explicit; it is never inferred.
type Chain struct {
	Stages []Middleware
}

func (c Chain) Process(servers []model.Server, pctx *model.PipelineContext) []model.Server {
	for _, mw := range c.Stages {
		for i := range servers {
			if err := applyOne(mw, &servers[i]); err != nil {
				pctx.AddError(model.KindInternal, stage,
					fmt.Sprintf("middleware %s 处理节点失败：%v", mw.ID(), err),
					servers[i].ID())
			}
		}
	}
	return servers
}

// applyOne confines a middleware panic to the single record it was working
// on, so one bad annotation cannot take down the batch.
func applyOne(mw Middleware, s *model.Server) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return mw.Apply(s)
}
