package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{Endpoint: "http://localhost:4318"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupFlushesToUnreachableEndpoint(t *testing.T) {
	// Non-routable address; nothing is exported because no span is recorded.
	shutdown, err := Setup(context.Background(), Options{Enabled: true, Endpoint: "http://192.0.2.1:4318", ServiceName: "test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
