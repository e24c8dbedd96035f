package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, crawlerJobsTotal)
	require.NotNil(t, crawlerRecordsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveJobAndRecords(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerJobsTotal.WithLabelValues("SUCCEEDED"))
	ObserveJob("SUCCEEDED", 2*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(crawlerJobsTotal.WithLabelValues("SUCCEEDED")))

	dupBefore := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues(RecordDuplicate))
	ObserveRecord(RecordDuplicate)
	ObserveRecord(RecordDuplicate)
	require.Equal(t, dupBefore+2, testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues(RecordDuplicate)))

	qBefore := testutil.ToFloat64(crawlerQueueErrorsTotal.WithLabelValues("ack"))
	ObserveQueueError("ack")
	require.Equal(t, qBefore+1, testutil.ToFloat64(crawlerQueueErrorsTotal.WithLabelValues("ack")))

	active := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	require.Equal(t, active+1, testutil.ToFloat64(crawlerActiveWorkers))
	DecActiveWorkers()
	require.Equal(t, active, testutil.ToFloat64(crawlerActiveWorkers))
}

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	ObserveRecord(RecordInserted)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "crawler_records_total"))
}
