package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationsCounter(t *testing.T) {
	before := counterValue(t, "block")
	ValidationsTotal.WithLabelValues("block").Inc()
	after := counterValue(t, "block")
	assert.Equal(t, before+1, after)
}

func counterValue(t *testing.T, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, ValidationsTotal.WithLabelValues(label).Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{102, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}
