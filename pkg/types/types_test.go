package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCatalog_HasSixteenEvents(t *testing.T) {
	events := RequestEvents()
	if len(events) != 16 {
		t.Fatalf("Expected 16 catalog events, got %d", len(events))
	}

	seen := make(map[string]bool)
	for _, e := range events {
		if seen[e.String()] {
			t.Errorf("Duplicate catalog name %q", e.String())
		}
		seen[e.String()] = true
	}
}

func TestCatalog_TableMatchesDerivation(t *testing.T) {
	for _, e := range RequestEvents() {
		if got := DeriveResponseName(e.String()); got != e.ResponseName() {
			t.Errorf("%s: table response %q, derived %q", e, e.ResponseName(), got)
		}
	}
}

func TestDeriveResponseName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"selectWithdrawalHistoryIds", "selectWithdrawalHistoryMultiIds"},
		{"depositRequest", "depositReceive"},
		{"verifyRequest", "verifyReceive"},
		{"registerRequest", "registerReceive"},
		{"selectIds", "selectMultiIds"},
		{"selectAllIds", "selectAllMultiIds"},
		{"selectCodeVerifyId", "selectCodeVerifyMultiId"},
		{"somethingElse", "somethingElse"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Applying twice must give the same answer as applying once.
			for i := 0; i < 2; i++ {
				if got := DeriveResponseName(tt.name); got != tt.want {
					t.Errorf("DeriveResponseName(%q) = %q, want %q", tt.name, got, tt.want)
				}
			}
		})
	}
}

func TestLookupRequestEvent(t *testing.T) {
	e, ok := LookupRequestEvent("selectIds")
	if !ok {
		t.Fatal("selectIds should be in the catalog")
	}
	if e != SelectIds {
		t.Errorf("Expected SelectIds, got %v", e)
	}
	if e.AckName() != "selectIdsAck" {
		t.Errorf("Unexpected ack name %q", e.AckName())
	}

	for _, name := range []string{"register", "userRegister", "selectids", "disconnect"} {
		if _, ok := LookupRequestEvent(name); ok {
			t.Errorf("%q must not be a catalog event", name)
		}
	}
}

func TestRequestEvent_Invalid(t *testing.T) {
	bad := RequestEvent(99)
	if bad.Valid() {
		t.Error("RequestEvent(99) should be invalid")
	}
	if bad.String() != "unknown" || bad.ResponseName() != "" {
		t.Errorf("Unexpected names for invalid event: %q %q", bad.String(), bad.ResponseName())
	}
}

func TestRegisterPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload RegisterPayload
		wantErr error
	}{
		{"valid user", RegisterPayload{UserID: "u1", Role: RoleUser}, nil},
		{"valid admin", RegisterPayload{UserID: "admin1", Role: RoleAdmin}, nil},
		{"empty id", RegisterPayload{UserID: "", Role: RoleUser}, ErrEmptyUserID},
		{"blank id", RegisterPayload{UserID: "   ", Role: RoleUser}, ErrEmptyUserID},
		{"long id", RegisterPayload{UserID: strings.Repeat("a", MaxUserIDLength+1), Role: RoleUser}, ErrUserIDTooLong},
		{"missing role", RegisterPayload{UserID: "u1"}, ErrInvalidRole},
		{"unknown role", RegisterPayload{UserID: "u1", Role: "superuser"}, ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.payload.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAck_WireShape(t *testing.T) {
	data, err := json.Marshal(OK())
	if err != nil {
		t.Fatalf("Failed to marshal ack: %v", err)
	}
	if string(data) != `{"success":true}` {
		t.Errorf("Unexpected success ack %s", data)
	}

	data, err = json.Marshal(Fail(ReasonNoAdmin))
	if err != nil {
		t.Fatalf("Failed to marshal ack: %v", err)
	}
	if string(data) != `{"success":false,"error":"No admin available"}` {
		t.Errorf("Unexpected failure ack %s", data)
	}
}

func TestAdminMessage_ReceiveUserIDSpelling(t *testing.T) {
	var msg AdminMessage
	if err := json.Unmarshal([]byte(`{"receiveuserId":"u1","message":"code 1234"}`), &msg); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if msg.ReceiveUserID != "u1" {
		t.Errorf("Expected receiveuserId u1, got %q", msg.ReceiveUserID)
	}
	if string(msg.Message) != `"code 1234"` {
		t.Errorf("Message should stay raw JSON, got %s", msg.Message)
	}
}
