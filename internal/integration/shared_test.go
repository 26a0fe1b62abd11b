package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/islandhouse2000/islandHouse/internal/registry"
	redisstore "github.com/islandhouse2000/islandHouse/internal/store/redis"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// startRedisNode starts a relay node sharing the registry in mr.
func startRedisNode(t *testing.T, mr *miniredis.Miniredis, nodeID string) *node {
	t.Helper()

	rdb, err := redisstore.NewClient(context.Background(), redisstore.ClientOptions{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisstore.NewStore(rdb)
	reg, err := registry.NewShared(registry.SharedOptions{
		Store:  store,
		Bus:    redisstore.NewBus(rdb, logging.Discard()),
		NodeID: nodeID,
		TTL:    time.Minute,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewShared failed: %v", err)
	}

	return startNode(t, reg, nodeOptions{eventLog: store})
}

// FUNCTIONAL VALIDATION TEST: two relay processes route through one shared registry
func TestShared_CrossNodeRouting(t *testing.T) {
	mr := miniredis.RunT(t)

	nodeA := startRedisNode(t, mr, "node-a")
	nodeB := startRedisNode(t, mr, "node-b")

	admin := connectProbe(t, nodeA, "admin-1", types.RoleAdmin, types.EventReceiveMessage, types.EventMessageSent)
	user := connectProbe(t, nodeB, "user-1", types.RoleUser, types.EventReceiveMessage, types.EventMessageSent)

	// Each node sees the other's entry
	waitRegistered(t, nodeB.registry, "admin-1", "")
	waitRegistered(t, nodeA.registry, "user-1", "")

	user.emit(t, types.EventUserRegister, map[string]interface{}{"userId": "user-1", "message": "from node b"})

	var received string
	if err := json.Unmarshal(admin.expect(t, types.EventReceiveMessage), &received); err != nil || received != "from node b" {
		t.Errorf("Admin on node a expected the message, got %q (%v)", received, err)
	}
	if ack := user.expectAck(t, types.EventMessageSent); !ack.Success {
		t.Errorf("Expected success, got %+v", ack)
	}

	admin.emit(t, types.EventAdminLoginID, map[string]interface{}{"receiveuserId": "user-1", "message": "from node a"})

	if err := json.Unmarshal(user.expect(t, types.EventReceiveMessage), &received); err != nil || received != "from node a" {
		t.Errorf("User on node b expected the message, got %q (%v)", received, err)
	}
	if ack := admin.expectAck(t, types.EventMessageSent); !ack.Success {
		t.Errorf("Expected success, got %+v", ack)
	}

	stats, err := nodeA.hub.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Admins != 1 || stats.Users != 1 {
		t.Errorf("Expected cluster-wide stats, got %+v", stats)
	}
}

// FUNCTIONAL VALIDATION TEST: entries carry the owning node and requests are logged per connection
func TestShared_EntryAndEventLog(t *testing.T) {
	mr := miniredis.RunT(t)
	n := startRedisNode(t, mr, "node-a")

	user := connectProbe(t, n, "user-1", types.RoleUser, "depositReceive", "depositRequestAck")
	entry := waitRegistered(t, n.registry, "user-1", "")

	key := registry.KeyPrefix + "user-1"
	if got := mr.HGet(key, "nodeId"); got != "node-a" {
		t.Errorf("Expected nodeId node-a, got %q", got)
	}
	if got := mr.HGet(key, "connectionId"); got != entry.Conn.ID() {
		t.Errorf("Expected connectionId %q, got %q", entry.Conn.ID(), got)
	}
	if got := mr.HGet(key, "role"); got != string(types.RoleUser) {
		t.Errorf("Expected role user, got %q", got)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Errorf("Expected a TTL on %s, got %v", key, ttl)
	}

	user.emit(t, "depositRequest", map[string]int{"amount": 100})
	user.expect(t, "depositReceive")
	if ack := user.expectAck(t, "depositRequestAck"); !ack.Success {
		t.Fatalf("Expected success, got %+v", ack)
	}

	records, err := mr.List(redisstore.EventLogPrefix + entry.Conn.ID())
	if err != nil {
		t.Fatalf("Expected event log list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 logged request, got %d", len(records))
	}

	var record struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(records[0]), &record); err != nil {
		t.Fatalf("Malformed record: %v", err)
	}
	if record.Event != "depositRequest" || string(record.Data) != `{"amount":100}` {
		t.Errorf("Unexpected record %s", records[0])
	}
}

// FUNCTIONAL VALIDATION TEST: a disconnected user's shared entry is removed
func TestShared_DisconnectRemovesEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	n := startRedisNode(t, mr, "node-a")

	user := connectProbe(t, n, "user-1", types.RoleUser)
	if err := user.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	key := registry.KeyPrefix + "user-1"
	deadline := time.Now().Add(3 * time.Second)
	for mr.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatal("Shared entry was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
