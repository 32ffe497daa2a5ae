package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-thumbnail-dvm/internal/dedupe"
	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
)

type mockRelays struct {
	mock.Mock
}

func (m *mockRelays) Snapshot(ctx context.Context) ([]relay.Status, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]relay.Status)
	return out, args.Error(1)
}

func (m *mockRelays) SetRelays(ctx context.Context, urls []string) error {
	return m.Called(ctx, urls).Error(0)
}

func (m *mockRelays) Reconnect() {
	m.Called()
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, h, http.MethodGet, path, "")
}

func send(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestOpsHealthAndMetrics(t *testing.T) {
	h := NewOpsHandler(&mockRelays{}, nil, metrics.New().Handler(), nil).Routes()

	rec := serve(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "thumb_dvm_jobs_in_flight")
}

func TestOpsRelays(t *testing.T) {
	relays := &mockRelays{}
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	relays.On("Snapshot", mock.Anything).Return([]relay.Status{
		{URL: "wss://a.example", Connected: true, Since: since, Connects: 2},
		{URL: "wss://b.example", LastError: "relay unreachable"},
	}, nil).Once()
	relays.On("Snapshot", mock.Anything).Return(nil, relay.ErrStopped)

	h := NewOpsHandler(relays, nil, nil, nil).Routes()

	rec := serve(t, h, "/v1/relays")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []relay.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.True(t, got[0].Connected)
	require.Equal(t, "relay unreachable", got[1].LastError)

	rec = serve(t, h, "/v1/relays")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpsSetRelays(t *testing.T) {
	relays := &mockRelays{}
	relays.On("SetRelays", mock.Anything, []string{"wss://a.example", "wss://c.example"}).Return(nil).Once()
	relays.On("SetRelays", mock.Anything, mock.Anything).Return(relay.ErrStopped)

	h := NewOpsHandler(relays, nil, nil, nil).Routes()

	rec := send(t, h, http.MethodPut, "/v1/relays", `{"relays":["wss://a.example/"," wss://c.example","","wss://a.example"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"relays":["wss://a.example","wss://c.example"]}`, rec.Body.String())

	rec = send(t, h, http.MethodPut, "/v1/relays", `{"relays":[""]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, h, http.MethodPut, "/v1/relays", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, h, http.MethodPut, "/v1/relays", `{"relays":["wss://b.example"]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	relays.AssertNumberOfCalls(t, "SetRelays", 2)
}

func TestOpsReconnect(t *testing.T) {
	relays := &mockRelays{}
	relays.On("Reconnect").Return().Once()

	h := NewOpsHandler(relays, nil, nil, nil).Routes()

	rec := send(t, h, http.MethodPost, "/v1/relays/reconnect", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	relays.AssertExpectations(t)
}

func TestOpsJobs(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()
	_, err := ledger.Record(ctx, "known", "requester", StateReceived)
	require.NoError(t, err)
	require.NoError(t, ledger.Finish(ctx, "known", StateRejected, errors.New("no worker slot available")))

	h := NewOpsHandler(&mockRelays{}, ledger, nil, nil).Routes()

	rec := serve(t, h, "/v1/jobs/known")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry dedupe.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	require.Equal(t, StateRejected, entry.State)
	require.Equal(t, "requester", entry.Requester)

	rec = serve(t, h, "/v1/jobs/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)

	noLedger := NewOpsHandler(&mockRelays{}, nil, nil, nil).Routes()
	rec = serve(t, noLedger, "/v1/jobs/known")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
