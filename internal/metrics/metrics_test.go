package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwiceIsAllowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(fetchesTotal.WithLabelValues("list", OutcomeError))
	ObserveFetch("list", 10*time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(fetchesTotal.WithLabelValues("list", OutcomeError)))

	before = testutil.ToFloat64(mutationsTotal.WithLabelValues("approve", OutcomeSkipped))
	Mutation("approve", OutcomeSkipped)
	assert.Equal(t, before+1, testutil.ToFloat64(mutationsTotal.WithLabelValues("approve", OutcomeSkipped)))

	before = testutil.ToFloat64(statusRegressionsTotal.WithLabelValues("send"))
	StatusRegression("send")
	assert.Equal(t, before+1, testutil.ToFloat64(statusRegressionsTotal.WithLabelValues("send")))
}
