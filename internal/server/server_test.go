// Integration tests for the gRPC health surface and the document/index
// wiring behind it.
package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/pagestore/pkg/document"
	"github.com/nainya/pagestore/pkg/index"
	"github.com/nainya/pagestore/pkg/storage"
)

const bufSize = 1024 * 1024

type countingPersistence struct {
	writes  int
	deletes int
}

func (c *countingPersistence) Write(doc *document.Document) error {
	c.writes++
	return nil
}

func (c *countingPersistence) Delete(key string) error {
	c.deletes++
	return nil
}

func setupTestServer(t *testing.T) (*Server, grpc_health_v1.HealthClient, func()) {
	t.Helper()

	srv, err := New(storage.Options{MemoryOnly: true}, nil, nil)
	if err != nil {
		t.Fatalf("failed to open server: %v", err)
	}

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, srv.HealthServer())

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}

	client := grpc_health_v1.NewHealthClient(conn)

	cleanup := func() {
		conn.Close()
		grpcServer.Stop()
		srv.Close()
	}

	return srv, client, cleanup
}

func TestHealthReportsServingForDatabase(t *testing.T) {
	_, client, cleanup := setupTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}

func TestRegisterIndexReportsServingAndProcessesWrites(t *testing.T) {
	srv, client, cleanup := setupTestServer(t)
	defer cleanup()

	persistence := &countingPersistence{}
	eng, err := index.Open(storage.Options{MemoryOnly: true}, srv.Documents(), index.Definition{
		Name:        "Users/ByName",
		Type:        "Map",
		Collections: []string{"Users"},
	}, persistence, index.Options{}, nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	srv.RegisterIndex(eng)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "pagestore.Index.Users/ByName"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}

	if _, err := srv.Documents().Put("users/1", nil, []byte(`{"Name":"Oren"}`), map[string]string{
		document.MetadataEntityName: "Users",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && persistence.writes == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if persistence.writes != 1 {
		t.Fatalf("expected 1 write, got %d", persistence.writes)
	}
}
