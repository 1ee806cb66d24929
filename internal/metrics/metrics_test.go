package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFramesProcessedTotal(t *testing.T) {
	c := FramesProcessedTotal.WithLabelValues("face_enhancer", "ok")
	before := testutil.ToFloat64(c)

	c.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(c))
}

func TestActiveWorkers(t *testing.T) {
	ActiveWorkers.Inc()
	ActiveWorkers.Inc()
	ActiveWorkers.Dec()
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveWorkers))
	ActiveWorkers.Dec()
}
