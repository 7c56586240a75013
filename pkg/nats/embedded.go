package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// EmbeddedServer is an in-process NATS server with JetStream, used by
// tests and single-binary deployments.
type EmbeddedServer struct {
	server *server.Server
	url    string
}

// StartEmbeddedServer starts the server on a random local port and waits
// until it accepts connections.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string { return e.url }

// Shutdown stops the server and waits for it to finish.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}

// NewEmbeddedEventBus starts an embedded server and an event bus connected
// to it. The caller owns both shutdowns.
func NewEmbeddedEventBus(serializer eventsourcing.Serializer) (*EventBus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		return nil, nil, err
	}

	config := DefaultConfig()
	config.URL = srv.URL()

	bus, err := NewEventBus(serializer, config)
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}

	return bus, srv, nil
}

// TestConfig returns a small-footprint config pointed at the given server.
func TestConfig(serverURL string) Config {
	return Config{
		URL:            serverURL,
		StreamName:     "TEST_EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         time.Minute,
		MaxBytes:       10 * 1024 * 1024,
	}
}

// ConnectToEmbedded opens a raw client connection to the embedded server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
