package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func geoServer(cc string) *model.Server {
	s := &model.Server{Protocol: model.ProtocolShadowsocks, Address: "a.example", Port: 1}
	if cc != "" {
		s.SetExtra("geo", cc)
	}
	return s
}

func TestGeoPolicy(t *testing.T) {
	p := GeoPolicy{Deny: []string{"CN"}, Allow: []string{"US", "DE"}}

	v := p.Evaluate(geoServer("CN"))
	assert.False(t, v.Allow)
	assert.Equal(t, SeverityBlock, v.Severity)

	v = p.Evaluate(geoServer("US"))
	assert.True(t, v.Allow)

	v = p.Evaluate(geoServer("JP"))
	assert.False(t, v.Allow)

	// Unannotated records pass.
	v = p.Evaluate(geoServer(""))
	assert.True(t, v.Allow)
}

func TestProtocolPolicy(t *testing.T) {
	p := ProtocolPolicy{Allow: []model.Protocol{model.ProtocolVLESS}}

	v := p.Evaluate(&model.Server{Protocol: model.ProtocolVLESS})
	assert.True(t, v.Allow)

	v = p.Evaluate(&model.Server{Protocol: model.ProtocolShadowsocks})
	assert.False(t, v.Allow)
	assert.Equal(t, SeverityBlock, v.Severity)

	assert.True(t, ProtocolPolicy{}.Evaluate(&model.Server{Protocol: model.ProtocolTor}).Allow)
}

type bomb struct{}

func (bomb) ID() string                        { return "bomb" }
func (bomb) Evaluate(*model.Server) Verdict { panic("kaboom") }

func TestEngine_PanickingPolicyDoesNotAbort(t *testing.T) {
	e := NewEngine(bomb{}, ProtocolPolicy{})

	verdicts := e.Evaluate(geoServer("US"))
	require.Len(t, verdicts, 2)
	assert.False(t, verdicts[0].Allow)
	assert.Equal(t, SeverityWarn, verdicts[0].Severity)
	assert.True(t, verdicts[1].Allow)

	// A panicking policy is a warning, not a block.
	blocked, _ := e.Blocked(geoServer("US"))
	assert.False(t, blocked)
}

func TestEngine_Blocked(t *testing.T) {
	e := NewEngine(GeoPolicy{Deny: []string{"CN"}})
	blocked, v := e.Blocked(geoServer("CN"))
	assert.True(t, blocked)
	assert.Equal(t, "geo", v.Policy)

	blocked, _ = e.Blocked(geoServer("US"))
	assert.False(t, blocked)
}
