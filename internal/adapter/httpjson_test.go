package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"wisefido-scada/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); ok && user != "op" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/browse":
			w.WriteHeader(http.StatusOK)
		case "/read":
			id := r.URL.Query().Get("ids")
			w.Header().Set("Content-Type", "application/json")
			switch id {
			case "Well1.OilRate":
				fmt.Fprintf(w, `{"readResults":[{"id":%q,"s":true,"r":"","v":250,"t":1714540000000}]}`, id)
			case "Well1.Pump":
				fmt.Fprintf(w, `{"readResults":[{"id":%q,"s":true,"r":"","v":true,"t":0}]}`, id)
			case "Well1.Offline":
				fmt.Fprintf(w, `{"readResults":[{"id":%q,"s":false,"r":"Device not responding","v":null,"t":0}]}`, id)
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPJSON_Poll(t *testing.T) {
	srv := newGateway(t)
	a := NewHTTPJSONAdapter(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, models.ConnectionConfig{TenantID: "tenant-c", WellID: "W-1", EndpointURL: srv.URL, Username: "op"}))
	require.NoError(t, a.Subscribe(ctx, []models.TagMapping{
		{Address: "Well1.OilRate", TagName: "oil_rate"},
		{Address: "Well1.Pump", TagName: "pump_running"},
		{Address: "Well1.Offline", TagName: "casing_pressure"},
		{Address: "Well1.Broken", TagName: "broken"},
	}))

	readings, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 3)

	assert.Equal(t, 250.0, readings[0].Value)
	assert.Equal(t, int64(1714540000000), readings[0].Timestamp.UnixMilli())
	assert.Equal(t, "HTTP-JSON", readings[0].SourceProtocol)
	assert.Equal(t, 1.0, readings[1].Value)
	assert.Equal(t, models.QualityBad, readings[2].Quality)

	require.NoError(t, a.Disconnect(ctx))
	require.NoError(t, a.Disconnect(ctx))
}

func TestHTTPJSON_ConnectAuthRejected(t *testing.T) {
	srv := newGateway(t)
	a := NewHTTPJSONAdapter(zap.NewNop())

	err := a.Connect(context.Background(), models.ConnectionConfig{EndpointURL: srv.URL, Username: "intruder"})
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "authentication")
}

func TestHTTPJSON_ConnectRejectsNonHTTP(t *testing.T) {
	a := NewHTTPJSONAdapter(zap.NewNop())
	var ce *ConnectError
	assert.True(t, errors.As(a.Connect(context.Background(), models.ConnectionConfig{EndpointURL: "opc.tcp://x"}), &ce))
}

func TestGatewayValue(t *testing.T) {
	v, err := gatewayValue([]byte(`"12.5"`))
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	_, err = gatewayValue([]byte(`{"a":1}`))
	assert.Error(t, err)
}
