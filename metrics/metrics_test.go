package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPageSentCountsRecipients(t *testing.T) {
	before := testutil.ToFloat64(dispatchRecipientsSent)
	pagesBefore := testutil.ToFloat64(dispatchPagesTotal.WithLabelValues("Success"))

	PageSent("Success", 50)
	PageSent("Failed", 0)

	assert.Equal(t, before+50, testutil.ToFloat64(dispatchRecipientsSent))
	assert.Equal(t, pagesBefore+1, testutil.ToFloat64(dispatchPagesTotal.WithLabelValues("Success")))
}

func TestRunLifecycle(t *testing.T) {
	finishedBefore := testutil.ToFloat64(dispatchRunsTotal.WithLabelValues("finished"))
	inflight := testutil.ToFloat64(dispatchRunsInFlight)

	RunStarted()
	assert.Equal(t, inflight+1, testutil.ToFloat64(dispatchRunsInFlight))
	RunEnded("finished")

	assert.Equal(t, inflight, testutil.ToFloat64(dispatchRunsInFlight))
	assert.Equal(t, finishedBefore+1, testutil.ToFloat64(dispatchRunsTotal.WithLabelValues("finished")))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/templates/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/templates/{id}", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/templates/42", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/templates/{id}", "404")))
}
