package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc , x-tenant=desk ,broken,=novalue")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "desk",
	}, headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "marginloand"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSamplerRatio(t *testing.T) {
	require.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestResourceCarriesServiceAndAttributes(t *testing.T) {
	res, err := newResource(Config{
		ServiceName: "marginloand",
		Environment: "staging",
		Attributes:  map[string]string{"margin.desk": "eth", " ": "skipped"},
	})
	require.NoError(t, err)
	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "marginloand", values["service.name"])
	require.Equal(t, "staging", values["deployment.environment"])
	require.Equal(t, "eth", values["margin.desk"])
	require.NotContains(t, values, "")
}
