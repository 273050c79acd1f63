package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilRegistererDisables(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	// All record methods must be safe on the disabled set.
	m.RecordFetch("https", "ok")
	m.RecordRecords("parse", "kept", 3)
	m.RecordRun("tolerant", "success", time.Second)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordFetch("https", "ok")
	m.RecordFetch("https", "ok")
	m.RecordFetch("file", "error")
	m.RecordRecords("validate", "dropped", 2)
	m.RecordRecords("validate", "dropped", 0) // no-op
	m.RecordRun("strict", "failed", 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchesTotal.WithLabelValues("https", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchesTotal.WithLabelValues("file", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsTotal.WithLabelValues("validate", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("strict", "failed")))
}

func TestNew_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
