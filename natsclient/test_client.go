package natsclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv must be "1" for StartTestServer to run a container
const IntegrationEnv = "INTEGRATION_TESTS"

// TestServer is a disposable NATS server with one connected Client
type TestServer struct {
	Client *Client
	URL    string
}

// StartTestServer runs a NATS container for the duration of t. The test is
// skipped unless IntegrationEnv is set. NATS_TEST_IMAGE overrides the image.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run against a NATS container", IntegrationEnv)
	}
	image := os.Getenv("NATS_TEST_IMAGE")
	if image == "" {
		image = "nats:2.10-alpine"
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve NATS endpoint: %v", err)
	}

	client, err := NewClient(endpoint, WithName(t.Name()), WithTimeout(5*time.Second), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to %s: %v", endpoint, err)
	}
	if err := client.WaitForConnection(ctx); err != nil {
		t.Fatalf("connection to %s not ready: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestServer{Client: client, URL: endpoint}
}
