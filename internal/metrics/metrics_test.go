package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/modelprobe/internal/models"
)

func TestObserveProbe(t *testing.T) {
	before := testutil.ToFloat64(probes.WithLabelValues("honeypot", "normal"))
	ObserveProbe(models.ProbeResult{Status: models.ProbeHoneypot, Duration: 2 * time.Second}, models.ModeNormal)
	assert.Equal(t, before+1, testutil.ToFloat64(probes.WithLabelValues("honeypot", "normal")))
}

func TestObserveRunAndCounts(t *testing.T) {
	before := testutil.ToFloat64(runs.WithLabelValues("no-remove", "aborted"))
	ObserveRun(models.ModeNoRemove, models.RunSummary{Duration: 3 * time.Second}, errors.New("cancelled"))
	assert.Equal(t, before+1, testutil.ToFloat64(runs.WithLabelValues("no-remove", "aborted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(lastRunDuration))

	SetEndpointCounts(map[string]int{"eligible": 4})
	assert.Equal(t, 4.0, testutil.ToFloat64(endpoints.WithLabelValues("eligible")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveMutation("verified")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelprobe_store_mutations_total")
}
