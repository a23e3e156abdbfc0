package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
)

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func serveHealth(t *testing.T, inspector QueueInspector) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(inspector, nil).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rr
}

func TestJobsHealthReportsQueues(t *testing.T) {
	rr := serveHealth(t, fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueuePayroll: {Queue: QueuePayroll, Pending: 2, Active: 1, Failed: 1},
	}})
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []QueueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []QueueHealth{
		{Queue: QueuePayroll, Pending: 2, Active: 1, Failed: 1},
		{Queue: QueueDefault},
	}, body.Queues)
}

func TestJobsHealthUnavailable(t *testing.T) {
	rr := serveHealth(t, fakeInspector{err: errors.New("redis down")})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serveHealth(t, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestLockContentionIsNotAFailure(t *testing.T) {
	require.False(t, isFailure(payroll.ErrRunInProgress))
	require.True(t, isFailure(payroll.ErrPeriodNotComputable))
}
