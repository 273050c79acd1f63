// Package postprocess is the half of the pipeline that may shrink, reorder
// or deduplicate the record list. Stages run sequentially, each seeing the
// previous stage's output; a failing stage is skipped with its input left
// unchanged for the next stage (error strategy "continue").
package postprocess

import (
	"fmt"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

const stage = "postprocess"

type Stage interface {
	ID() string
	Process(servers []model.Server) ([]model.Server, error)
}

type Chain struct {
	Stages []Stage
}

func (c Chain) Process(servers []model.Server, pctx *model.PipelineContext) []model.Server {
	for _, st := range c.Stages {
		out, err := runStage(st, servers)
		if err != nil {
			pctx.AddError(model.KindInternal, stage,
				fmt.Sprintf("postprocessor %s 失败，已跳过该阶段：%v", st.ID(), err), "")
			continue
		}
		servers = out
	}
	return servers
}

func runStage(st Stage, in []model.Server) (out []model.Server, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Process(in)
}
