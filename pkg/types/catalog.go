package types

import "strings"

// RequestEvent is one entry of the closed request catalog. Every request is
// answered on its response name and acknowledged on its ack name.
type RequestEvent int

const (
	RegisterRequest RequestEvent = iota
	VerifyRequest
	DepositRequest
	WithdrawalRequest
	SelectAllIds
	SelectIds
	SelectHistoryAllIds
	SelectHistoryIds
	SelectWithdrawalAllIds
	SelectWithdrawalIds
	SelectWithdrawalHistoryAllIds
	SelectWithdrawalHistoryIds
	SelectCodeVerifyAllIds
	SelectCodeVerifyIds
	SelectRegisterAllIds
	SelectRegisterIds

	requestEventCount
)

// requestCatalog pairs each request name with its response name. The table
// is checked against DeriveResponseName in tests; clients compute the same
// names independently.
var requestCatalog = [requestEventCount]struct {
	name     string
	response string
}{
	RegisterRequest:               {"registerRequest", "registerReceive"},
	VerifyRequest:                 {"verifyRequest", "verifyReceive"},
	DepositRequest:                {"depositRequest", "depositReceive"},
	WithdrawalRequest:             {"withdrawalRequest", "withdrawalReceive"},
	SelectAllIds:                  {"selectAllIds", "selectAllMultiIds"},
	SelectIds:                     {"selectIds", "selectMultiIds"},
	SelectHistoryAllIds:           {"selectHistoryAllIds", "selectHistoryAllMultiIds"},
	SelectHistoryIds:              {"selectHistoryIds", "selectHistoryMultiIds"},
	SelectWithdrawalAllIds:        {"selectWithdrawalAllIds", "selectWithdrawalAllMultiIds"},
	SelectWithdrawalIds:           {"selectWithdrawalIds", "selectWithdrawalMultiIds"},
	SelectWithdrawalHistoryAllIds: {"selectWithdrawalHistoryAllIds", "selectWithdrawalHistoryAllMultiIds"},
	SelectWithdrawalHistoryIds:    {"selectWithdrawalHistoryIds", "selectWithdrawalHistoryMultiIds"},
	SelectCodeVerifyAllIds:        {"selectCodeVerifyAllIds", "selectCodeVerifyAllMultiIds"},
	SelectCodeVerifyIds:           {"selectCodeVerifyIds", "selectCodeVerifyMultiIds"},
	SelectRegisterAllIds:          {"selectRegisterAllIds", "selectRegisterAllMultiIds"},
	SelectRegisterIds:             {"selectRegisterIds", "selectRegisterMultiIds"},
}

var requestByName = func() map[string]RequestEvent {
	m := make(map[string]RequestEvent, requestEventCount)
	for i, entry := range requestCatalog {
		m[entry.name] = RequestEvent(i)
	}
	return m
}()

// RequestEvents returns the whole catalog in declaration order.
func RequestEvents() []RequestEvent {
	events := make([]RequestEvent, 0, requestEventCount)
	for i := RequestEvent(0); i < requestEventCount; i++ {
		events = append(events, i)
	}
	return events
}

// LookupRequestEvent resolves a wire name to a catalog entry.
func LookupRequestEvent(name string) (RequestEvent, bool) {
	e, ok := requestByName[name]
	return e, ok
}

// Valid reports whether e belongs to the catalog.
func (e RequestEvent) Valid() bool {
	return e >= 0 && e < requestEventCount
}

func (e RequestEvent) String() string {
	if !e.Valid() {
		return "unknown"
	}
	return requestCatalog[e].name
}

// ResponseName is the event the request payload is echoed on.
func (e RequestEvent) ResponseName() string {
	if !e.Valid() {
		return ""
	}
	return requestCatalog[e].response
}

// AckName is the event the acknowledgment is emitted on.
func (e RequestEvent) AckName() string {
	return e.String() + "Ack"
}

// DeriveResponseName maps a request name to its response name:
// a "Request" suffix becomes "Receive", otherwise a trailing "Ids" becomes
// "MultiIds" and a trailing "Id" becomes "MultiId". Any other name is
// returned unchanged.
func DeriveResponseName(name string) string {
	switch {
	case strings.HasSuffix(name, "Request"):
		return strings.TrimSuffix(name, "Request") + "Receive"
	case strings.HasSuffix(name, "Ids"):
		return strings.TrimSuffix(name, "Ids") + "MultiIds"
	case strings.HasSuffix(name, "Id"):
		return strings.TrimSuffix(name, "Id") + "MultiId"
	default:
		return name
	}
}
