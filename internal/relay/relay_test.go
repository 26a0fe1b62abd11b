package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

type recordingConn struct {
	mu        sync.Mutex
	sent      []types.Envelope
	panicOn   string
	failOn    string
	ackFailed bool
}

func (c *recordingConn) ID() string { return "conn-1" }

func (c *recordingConn) Send(event string, payload interface{}) error {
	if event == c.panicOn {
		panic("transport exploded")
	}
	if event == c.failOn {
		return errors.New("connection closed")
	}
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	c.sent = append(c.sent, types.Envelope{Event: event, Data: data})
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) IsAlive() bool { return true }
func (c *recordingConn) Close() error  { return nil }

func (c *recordingConn) events() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Envelope(nil), c.sent...)
}

func (c *recordingConn) acks(t *testing.T, name string) []types.Ack {
	t.Helper()
	var acks []types.Ack
	for _, env := range c.events() {
		if env.Event != name {
			continue
		}
		var ack types.Ack
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			t.Fatalf("Bad ack payload %s: %v", env.Data, err)
		}
		acks = append(acks, ack)
	}
	return acks
}

type memoryLog struct {
	mu      sync.Mutex
	records map[string][][]byte
	err     error
	block   bool
}

func (l *memoryLog) AppendLog(ctx context.Context, connectionID string, record []byte) error {
	if l.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.records == nil {
		l.records = make(map[string][][]byte)
	}
	l.records[connectionID] = append(l.records[connectionID], record)
	return nil
}

func newTestRelay(log *memoryLog) *Relay {
	opts := Options{Timeout: 50 * time.Millisecond, Logger: logging.Discard()}
	if log != nil {
		opts.Log = log
	}
	return New(opts)
}

// FUNCTIONAL VALIDATION TEST: selectIds echoes on selectMultiIds then acks
func TestRelay_EchoThenAck(t *testing.T) {
	conn := &recordingConn{}
	relay := newTestRelay(nil)

	ack := relay.Handle(context.Background(), conn, types.SelectIds, json.RawMessage(`{"ids":[1,2,3]}`))
	if !ack.Success {
		t.Fatalf("Expected success, got %+v", ack)
	}

	events := conn.events()
	if len(events) != 2 {
		t.Fatalf("Expected response and ack, got %d events", len(events))
	}
	if events[0].Event != "selectMultiIds" || string(events[0].Data) != `{"ids":[1,2,3]}` {
		t.Errorf("Unexpected response %s %s", events[0].Event, events[0].Data)
	}
	if events[1].Event != "selectIdsAck" || string(events[1].Data) != `{"success":true}` {
		t.Errorf("Unexpected ack %s %s", events[1].Event, events[1].Data)
	}
}

func TestRelay_EveryCatalogEventAcksOnce(t *testing.T) {
	relay := newTestRelay(nil)

	for _, event := range types.RequestEvents() {
		t.Run(event.String(), func(t *testing.T) {
			conn := &recordingConn{}
			relay.Handle(context.Background(), conn, event, json.RawMessage(`{"n":1}`))

			if acks := conn.acks(t, event.AckName()); len(acks) != 1 || !acks[0].Success {
				t.Errorf("Expected exactly one success ack, got %+v", acks)
			}
			if responses := conn.acks(t, event.ResponseName()); len(responses) != 1 {
				t.Errorf("Expected exactly one %s, got %d", event.ResponseName(), len(responses))
			}
		})
	}
}

func TestRelay_AckOnFailurePaths(t *testing.T) {
	tests := []struct {
		name string
		conn *recordingConn
		log  *memoryLog
	}{
		{"response send panics", &recordingConn{panicOn: "depositReceive"}, nil},
		{"response send fails", &recordingConn{failOn: "depositReceive"}, nil},
		{"event log fails", &recordingConn{}, &memoryLog{err: errors.New("redis down")}},
		{"event log times out", &recordingConn{}, &memoryLog{block: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newTestRelay(tt.log)

			done := make(chan types.Ack, 1)
			go func() {
				done <- relay.Handle(context.Background(), tt.conn, types.DepositRequest, json.RawMessage(`{}`))
			}()

			var ack types.Ack
			select {
			case ack = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Handle did not return")
			}

			if ack.Success || ack.Error != types.ReasonInternal {
				t.Errorf("Expected %q, got %+v", types.ReasonInternal, ack)
			}

			acks := tt.conn.acks(t, "depositRequestAck")
			if len(acks) != 1 || acks[0].Success || acks[0].Error != types.ReasonInternal {
				t.Errorf("Expected exactly one failure ack on the wire, got %+v", acks)
			}
		})
	}
}

func TestRelay_LogFailureSkipsEcho(t *testing.T) {
	conn := &recordingConn{}
	relay := newTestRelay(&memoryLog{err: errors.New("redis down")})

	relay.Handle(context.Background(), conn, types.SelectIds, json.RawMessage(`{}`))

	for _, env := range conn.events() {
		if env.Event == "selectMultiIds" {
			t.Error("Response must not be sent when the log append fails")
		}
	}
}

func TestRelay_AppendsEventRecord(t *testing.T) {
	conn := &recordingConn{}
	log := &memoryLog{}
	relay := newTestRelay(log)
	relay.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	relay.Handle(context.Background(), conn, types.VerifyRequest, json.RawMessage(`{"code":"9"}`))

	records := log.records["conn-1"]
	if len(records) != 1 {
		t.Fatalf("Expected one record, got %d", len(records))
	}

	var record types.EventRecord
	if err := json.Unmarshal(records[0], &record); err != nil {
		t.Fatalf("Bad record: %v", err)
	}
	if record.Event != "verifyRequest" || string(record.Data) != `{"code":"9"}` {
		t.Errorf("Unexpected record %+v", record)
	}
	if record.Timestamp != "2024-05-01T12:00:00Z" || record.ID == "" {
		t.Errorf("Unexpected record metadata %+v", record)
	}
}

func TestRelay_NilPayloadEchoesNull(t *testing.T) {
	conn := &recordingConn{}
	newTestRelay(nil).Handle(context.Background(), conn, types.SelectAllIds, nil)

	events := conn.events()
	if len(events) == 0 || events[0].Event != "selectAllMultiIds" || string(events[0].Data) != "null" {
		t.Errorf("Expected null echo, got %+v", events)
	}
}

func TestRelay_InvalidEventSendsNothing(t *testing.T) {
	conn := &recordingConn{}
	ack := newTestRelay(nil).Handle(context.Background(), conn, types.RequestEvent(99), nil)

	if ack.Success {
		t.Error("Invalid event should not succeed")
	}
	if len(conn.events()) != 0 {
		t.Errorf("Nothing should be sent for an invalid event, got %+v", conn.events())
	}
}
