package main

// Record is the unit exchanged over an authenticated connection: a tagged
// dictionary with a mandatory "type" field and tag-specific fields. It is
// deliberately a loose map rather than a closed struct-per-tag union: the
// dispatcher decodes into a Record, inspects Type, then type-asserts the
// fields it needs — mirroring the tagged-struct-with-omitempty pattern the
// teacher used in its own protocol.go, generalized to a map so every tag in
// the table below shares one wire shape.
type Record map[string]any

// Record type tags, per the external interface table. Grouped by the
// conversation they belong to, not alphabetically, so the relationship
// between a request tag and its reply tag(s) stays visible.
const (
	TypeRegister     = "register"
	TypeAuthResponse = "auth_response"
	TypeLogin        = "login"
	TypeLogout       = "logout"

	TypeGetUserList     = "get_user_list"
	TypeUserListUpdate  = "user_list_update"
	TypeClientInfo      = "client_info"
	TypeHeartbeat       = "heartbeat"
	TypeHeartbeatAck    = "heartbeat_ack"

	TypeP2PMessage    = "p2p_message"
	TypeMessageStatus = "message_status"

	TypeCallRequest        = "call_request"
	TypeCallResponse       = "call_response"
	TypeCallAnswer         = "call_answer"
	TypeCallAnswerResponse = "call_answer_response"
	TypeCallAccepted       = "call_accepted"
	TypeCallRejected       = "call_rejected"
	TypeCallEnd            = "call_end"
	TypeCallEndResponse    = "call_end_response"
	TypeCallEnded          = "call_ended"
	TypeICECandidate       = "ice_candidate"

	TypeError = "error"
)

// unauthenticatedTags may be dispatched without a valid session_token.
var unauthenticatedTags = map[string]bool{
	TypeRegister: true,
	TypeLogin:    true,
}

// requiresAuth reports whether tag must carry a validated session_token
// bound to the connection's own username (spec.md §4.6 step 3).
func requiresAuth(tag string) bool {
	return !unauthenticatedTags[tag]
}

// str extracts a string field, returning "" if absent or the wrong type.
func (r Record) str(key string) string {
	v, _ := r[key].(string)
	return v
}

// strPtr extracts an optional string field as a pointer, nil if absent.
func (r Record) strPtr(key string) *string {
	v, ok := r[key].(string)
	if !ok {
		return nil
	}
	return &v
}

// num extracts a numeric field as float64 (JSON's native number
// representation) and reports whether it was present.
func (r Record) num(key string) (float64, bool) {
	v, ok := r[key].(float64)
	return v, ok
}

// errorRecord is the generic error reply used throughout §7.
func errorRecord(message string) Record {
	return Record{"type": TypeError, "message": message}
}
