package interfaces

import (
	"context"
	"encoding/json"

	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// MessageRouter routes user messages to an admin and admin messages to a
// user. Both operations always produce an acknowledgment for the sender;
// absence of a target is a normal negative result, never an error.
type MessageRouter interface {
	RouteToAdmin(ctx context.Context, senderID string, payload json.RawMessage) types.Ack
	RouteToUser(ctx context.Context, senderID, targetUserID string, payload json.RawMessage) types.Ack
}
