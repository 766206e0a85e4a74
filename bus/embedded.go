package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded starts an in-process NATS server with JetStream on a
// random port and returns it with its client URL. Used by the embedded
// dev mode and by tests.
func StartEmbedded(storeDir string) (*server.Server, string, error) {
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("create embedded server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, "", fmt.Errorf("embedded server failed to start")
	}
	return ns, ns.ClientURL(), nil
}
