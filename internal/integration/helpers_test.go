package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/islandhouse2000/islandHouse/internal/client"
	"github.com/islandhouse2000/islandHouse/internal/hub"
	"github.com/islandhouse2000/islandHouse/internal/registry"
	"github.com/islandhouse2000/islandHouse/internal/relay"
	"github.com/islandhouse2000/islandHouse/internal/router"
	"github.com/islandhouse2000/islandHouse/internal/websocket"
	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// node is one relay process: registry, router, relay and hub behind a real
// WebSocket endpoint.
type node struct {
	url      string
	registry registry.Registry
	hub      *hub.Hub
}

type nodeOptions struct {
	rateLimit int
	eventLog  interfaces.EventLog
}

func startNode(t *testing.T, reg registry.Registry, opts nodeOptions) *node {
	t.Helper()
	logger := logging.Discard()

	messageRouter, err := router.NewRouter(reg, router.Options{RateLimit: opts.rateLimit, Logger: logger})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	messageHub, err := hub.NewHub(hub.Options{
		Registry:      reg,
		Router:        messageRouter,
		Relay:         relay.New(relay.Options{Log: opts.eventLog, Logger: logger}),
		SweepInterval: time.Minute,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}

	if err := messageHub.Start(context.Background()); err != nil {
		t.Fatalf("Hub start failed: %v", err)
	}

	handler, err := websocket.NewHandler(messageHub, websocket.HandlerOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		_ = messageHub.Stop()
	})

	return &node{
		url:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		registry: reg,
		hub:      messageHub,
	}
}

// probe is a client.Manager that records the named messages it receives.
type probe struct {
	*client.Manager
	userID string
	inbox  chan types.Envelope
}

func connectProbe(t *testing.T, n *node, userID string, role types.Role, events ...string) *probe {
	t.Helper()

	m, err := client.New(client.Config{
		URL: n.url,
		Policy: client.Policy{
			MaxAttempts: 5,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		},
		DialTimeout: 2 * time.Second,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	p := &probe{Manager: m, userID: userID, inbox: make(chan types.Envelope, 64)}
	for _, event := range events {
		event := event
		m.On(event, func(data json.RawMessage) {
			p.inbox <- types.Envelope{Event: event, Data: data}
		})
	}

	if err := m.Register(userID, role); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	waitRegistered(t, n.registry, userID, "")
	return p
}

// waitRegistered polls until userID resolves to a live connection other
// than notConnID.
func waitRegistered(t *testing.T, reg registry.Registry, userID, notConnID string) registry.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := reg.FindByUserID(context.Background(), userID)
		if err == nil && entry.Conn.IsAlive() && entry.Conn.ID() != notConnID {
			return entry
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s to register", userID)
	return registry.Entry{}
}

func (p *probe) emit(t *testing.T, event string, payload interface{}) {
	t.Helper()
	if err := p.Emit(event, payload); err != nil {
		t.Fatalf("%s: emit %s failed: %v", p.userID, event, err)
	}
}

func (p *probe) expect(t *testing.T, event string) json.RawMessage {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-p.inbox:
			if env.Event == event {
				return env.Data
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", p.userID, event)
			return nil
		}
	}
}

func (p *probe) expectAck(t *testing.T, event string) types.Ack {
	t.Helper()
	var ack types.Ack
	data := p.expect(t, event)
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("%s: malformed ack on %s: %s", p.userID, event, data)
	}
	return ack
}

func (p *probe) expectNothing(t *testing.T, event string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case env := <-p.inbox:
			if env.Event == event {
				t.Fatalf("%s: unexpected %s: %s", p.userID, event, env.Data)
			}
		case <-timeout:
			return
		}
	}
}
