package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"safevest-cerebro/internal/common/config"
	"safevest-cerebro/internal/models"
	"safevest-cerebro/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSafeVestAPI 记录每个路径的调用，按脚本返回响应
type fakeSafeVestAPI struct {
	t *testing.T

	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]interface{}
	auths    map[string][]string
	handlers map[string]func(n int) (int, string)
}

func newFakeSafeVestAPI(t *testing.T) (*fakeSafeVestAPI, *httptest.Server) {
	f := &fakeSafeVestAPI{
		t:        t,
		calls:    make(map[string]int),
		bodies:   make(map[string][]map[string]interface{}),
		auths:    make(map[string][]string),
		handlers: make(map[string]func(n int) (int, string)),
	}
	f.handlers[PathLogin] = func(int) (int, string) {
		return http.StatusOK, `{"access":"access-1","refresh":"refresh-1"}`
	}
	f.handlers[PathRefresh] = func(int) (int, string) {
		return http.StatusOK, `{"access":"access-2"}`
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSafeVestAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/api"):]

	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls[path]++
	n := f.calls[path]
	f.bodies[path] = append(f.bodies[path], body)
	f.auths[path] = append(f.auths[path], r.Header.Get("Authorization"))
	handler, ok := f.handlers[path]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	status, resp := handler(n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp))
}

func (f *fakeSafeVestAPI) on(path string, h func(n int) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeSafeVestAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeSafeVestAPI) body(path string, i int) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path][i]
}

func newTestAPIClient(t *testing.T, baseURL string) (*Client, *SessionManager) {
	cfg := &config.APIConfig{
		BaseURL:         baseURL + "/api/",
		ServiceUser:     "admin@safevest.com",
		ServicePassword: "admin",
		LoginField:      "email",
		Timeout:         2 * time.Second,
	}
	httpClient := NewHTTPClient(cfg)
	session := NewSessionManager(httpClient, cfg, zap.NewNop())
	return NewClient(httpClient, session, "profile", zap.NewNop()), session
}

func TestFetchDeviceMap_ParsesOwnerShapes(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathDeviceMap, func(int) (int, string) {
		return http.StatusOK, `[
			{"id": 5, "numero_de_serie": "SV-01", "usuario": 9},
			{"id": 6, "numero_de_serie": "SV-02", "usuario": null},
			{"id": 7, "numero_de_serie": "SV-03", "profile": {"user": {"id": 12}}},
			{"id": 8, "numero_de_serie": ""}
		]`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	entries, err := client.FetchDeviceMap(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "SV-01", entries[0].Serial)
	assert.Equal(t, int64(5), entries[0].VestID)
	require.NotNil(t, entries[0].OwnerUserID)
	assert.Equal(t, int64(9), *entries[0].OwnerUserID)

	assert.Nil(t, entries[1].OwnerUserID)

	require.NotNil(t, entries[2].OwnerUserID)
	assert.Equal(t, int64(12), *entries[2].OwnerUserID)

	// 首次调用前自动登录
	assert.Equal(t, 1, fake.count(PathLogin))
	assert.Equal(t, "admin@safevest.com", fake.body(PathLogin, 0)["email"])
}

func TestFetchDeviceMap_Paginated(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathDeviceMap, func(int) (int, string) {
		return http.StatusOK, `{"count": 1, "results": [{"id": 5, "numero_de_serie": "SV-01", "usuario": 9}]}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	entries, err := client.FetchDeviceMap(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SV-01", entries[0].Serial)
}

func TestFetchDeviceMap_BodyShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantLen int
	}{
		{name: "empty array", body: `[]`, wantLen: 0},
		{name: "empty page", body: `{"count": 0, "results": []}`, wantLen: 0},
		{name: "null", body: `null`, wantErr: true},
		{name: "null results", body: `{"results": null}`, wantErr: true},
		{name: "object without results", body: `{"detail": "ok"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeSafeVestAPI(t)
			fake.on(PathDeviceMap, func(int) (int, string) {
				return http.StatusOK, tt.body
			})
			client, _ := newTestAPIClient(t, srv.URL)

			entries, err := client.FetchDeviceMap(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, entries, tt.wantLen)
		})
	}
}

func TestFetchDeviceMap_NullBodyKeepsRegistrySnapshot(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathDeviceMap, func(n int) (int, string) {
		if n == 1 {
			return http.StatusOK, `[{"id": 5, "numero_de_serie": "SV-01", "usuario": 9}]`
		}
		return http.StatusOK, `null`
	})
	client, _ := newTestAPIClient(t, srv.URL)
	reg := registry.New(client, registry.Options{}, zap.NewNop())

	require.NoError(t, reg.Refresh(context.Background()))
	require.Error(t, reg.Refresh(context.Background()))

	entry, ok := reg.Lookup("SV-01")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.VestID)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 2, fake.count(PathDeviceMap))
}

func TestSaveReading_RetriesOnceAfter401(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathReadings, func(n int) (int, string) {
		if n == 1 {
			return http.StatusUnauthorized, `{"detail":"Given token not valid for any token type"}`
		}
		return http.StatusCreated, `{"id": 77, "veste": 5}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	bpm := 90
	id, err := client.SaveReading(context.Background(), &models.SensorReading{Serial: "SV-01", VestID: 5, HeartRate: &bpm})
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	assert.Equal(t, 2, fake.count(PathReadings))
	assert.Equal(t, 1, fake.count(PathRefresh))
	assert.Equal(t, "refresh-1", fake.body(PathRefresh, 0)["refresh"])

	fake.mu.Lock()
	auths := fake.auths[PathReadings]
	fake.mu.Unlock()
	assert.Equal(t, []string{"Bearer access-1", "Bearer access-2"}, auths)
}

func TestSaveReading_Persistent401GivesUp(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathReadings, func(int) (int, string) {
		return http.StatusUnauthorized, `{"detail":"nope"}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	_, err := client.SaveReading(context.Background(), &models.SensorReading{Serial: "SV-01", VestID: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, 2, fake.count(PathReadings))
	assert.Equal(t, 1, fake.count(PathRefresh))
}

func TestSaveReading_ValidationErrorIsNotRetried(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathReadings, func(int) (int, string) {
		return http.StatusBadRequest, `{"veste":["Invalid pk"]}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	_, err := client.SaveReading(context.Background(), &models.SensorReading{Serial: "SV-01", VestID: 5})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "Invalid pk")
	assert.Equal(t, 1, fake.count(PathReadings))
	assert.Equal(t, 0, fake.count(PathRefresh))
}

func TestSaveReading_FallsBackToPK(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathReadings, func(int) (int, string) {
		return http.StatusCreated, `{"pk": 31}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	id, err := client.SaveReading(context.Background(), &models.SensorReading{Serial: "SV-01", VestID: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(31), id)
}

func TestSaveReading_MissingID(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathReadings, func(int) (int, string) {
		return http.StatusCreated, `{"veste": 5}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	_, err := client.SaveReading(context.Background(), &models.SensorReading{Serial: "SV-01", VestID: 5})
	assert.ErrorIs(t, err, ErrMissingReadingID)
}

func TestSaveAlert_Payload(t *testing.T) {
	fake, srv := newFakeSafeVestAPI(t)
	fake.on(PathAlerts, func(int) (int, string) {
		return http.StatusCreated, `{"id": 1}`
	})
	client, _ := newTestAPIClient(t, srv.URL)

	err := client.SaveAlert(context.Background(), &models.AlertEvent{
		Tier:        models.TierEmergency,
		ReadingID:   77,
		OwnerUserID: 9,
	})
	require.NoError(t, err)

	body := fake.body(PathAlerts, 0)
	assert.Equal(t, float64(9), body["profile"])
	assert.Equal(t, float64(77), body["leitura_associada"])
	assert.Equal(t, "Emergência", body["tipo_alerta"])
}

func TestTransportError_IsReturned(t *testing.T) {
	_, srv := newFakeSafeVestAPI(t)
	client, _ := newTestAPIClient(t, srv.URL)
	srv.Close()

	_, err := client.FetchDeviceMap(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
