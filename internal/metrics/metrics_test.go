package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	require.NotNil(t, c)

	// a second collector on the same registry must fail loudly
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRoleMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordRoleStart("nlu", 0, false)
	c.RecordRoleExit("nlu", false)
	c.RecordRoleStart("nlu", 1, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.roleStarts.WithLabelValues("nlu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roleRestarts.WithLabelValues("nlu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roleUp.WithLabelValues("nlu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roleReboots.WithLabelValues("nlu")))

	c.RecordRoleExit("nlu", true)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.roleUp.WithLabelValues("nlu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.roleReboots.WithLabelValues("nlu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roleExits.WithLabelValues("nlu", "true")))
}

func TestTrainingMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTrainingStarted("svm")
	c.RecordTrainingStarted("crf")
	c.RecordTrainingStarted("crf")
	assert.Equal(t, 3.0, testutil.ToFloat64(c.trainingActive))

	c.RecordTrainingCompleted("svm", 2*time.Second)
	c.RecordTrainingFailed("crf")
	c.RecordTrainingCancelled("crf")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.trainingActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingCompleted.WithLabelValues("svm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingFailed.WithLabelValues("crf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingCancelled.WithLabelValues("crf")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.trainingDuration))
}

func TestPoolAndDispatchMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetPoolWorkers(3)
	c.RecordPoolSpawn()
	c.RecordDispatchError("Nope")
	c.RecordTermination("fatal")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolSpawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchErrors.WithLabelValues("Nope")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminations.WithLabelValues("fatal")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRoleStart("web", 0, false)
		c.RecordRoleExit("web", true)
		c.RecordTermination("shutdown")
		c.RecordTrainingStarted("svm")
		c.RecordTrainingCompleted("svm", time.Second)
		c.RecordTrainingFailed("svm")
		c.RecordTrainingCancelled("svm")
		c.SetPoolWorkers(1)
		c.RecordPoolSpawn()
		c.RecordDispatchError("x")
	})
}
