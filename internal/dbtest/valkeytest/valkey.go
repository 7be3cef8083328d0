package valkeytest

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
)

const image = "valkey/valkey:8-alpine"

// Start returns a client for a throwaway ValKey. VALKEY_TEST_ADDR points it at a
// running instance instead of a container; without either the test is skipped.
// The client and container are released when the test ends.
func Start(t *testing.T) valkey.Client {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		container, err := valkeycontainer.Run(ctx, image)
		if err != nil {
			t.Skipf("no valkey available: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				log.Err(err).Msg("Failed to terminate ValKey container")
			}
		})

		host, err := container.Host(ctx)
		require.NoError(t, err)
		port, err := container.MappedPort(ctx, nat.Port("6379"))
		require.NoError(t, err)
		addr = net.JoinHostPort(host, port.Port())
	}

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}
