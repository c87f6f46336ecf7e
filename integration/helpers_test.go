//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/protocol"
	"github.com/meigma/archivefs/source"
	srcoci "github.com/meigma/archivefs/source/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// pushBlob uploads data as a blob of repository test/<name> and returns a
// ticket for it.
func pushBlob(tb testing.TB, addr, name string, data []byte) source.Ticket {
	tb.Helper()

	location := fmt.Sprintf("%s/test/%s", addr, name)
	repo, err := remote.NewRepository(location)
	require.NoError(tb, err, "open repository")
	repo.PlainHTTP = true

	desc := content.NewDescriptorFromBytes(srcoci.DefaultMediaType, data)
	require.NoError(tb, repo.Push(context.Background(), desc, bytes.NewReader(data)), "push blob")

	return source.Ticket{
		Kind:     source.KindOCI,
		Location: location,
		Digest:   desc.Digest.String(),
		Size:     desc.Size,
	}
}

// env is an engine and a client talking over an in-process pipe, with
// OCI tickets resolved against the test registry.
type env struct {
	svc    *archivefs.Service
	client *archivefs.Client
}

func newEnv(tb testing.TB, resolverOpts ...archivefs.ResolverOption) *env {
	tb.Helper()

	engineEnd, clientEnd := protocol.Pipe()
	svc := archivefs.NewService(engineEnd)
	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.Background(), engineEnd) }()

	opts := append([]archivefs.ResolverOption{
		archivefs.WithOCIOptions(srcoci.WithPlainHTTP(true)),
	}, resolverOpts...)
	client, err := archivefs.NewClient(clientEnd, archivefs.WithResolver(archivefs.NewResolver(opts...)))
	require.NoError(tb, err, "create client")

	tb.Cleanup(func() {
		assert.NoError(tb, client.Close())
		assert.NoError(tb, <-served)
		assert.NoError(tb, svc.Close())
	})
	return &env{svc: svc, client: client}
}
