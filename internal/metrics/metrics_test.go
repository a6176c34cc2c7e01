package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(tokensIssued.WithLabelValues("authorization_code", "access_token"))
	TokenIssued("authorization_code", "access_token")
	assert.Equal(t, before+1, testutil.ToFloat64(tokensIssued.WithLabelValues("authorization_code", "access_token")))

	sweptBefore := testutil.ToFloat64(grantsSwept.WithLabelValues("expired"))
	GrantsSwept("expired", 0)
	GrantsSwept("expired", 3)
	assert.Equal(t, sweptBefore+3, testutil.ToFloat64(grantsSwept.WithLabelValues("expired")))

	replays := testutil.ToFloat64(codeReplays)
	CodeReplay()
	assert.Equal(t, replays+1, testutil.ToFloat64(codeReplays))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ProtocolError("token", "invalid_grant")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "identity_protocol_errors_total")
}
