// Package wire defines the JSON message envelope exchanged over
// Transport (spec §6). Every message carries a `type` discriminator and
// a type-specific payload; Envelope is the outer shape, the other
// structs here (JoinProject, OperationAck, ...) are the payloads.
package wire

import "encoding/json"

// Envelope is the outer frame every message is wrapped in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals typ/payload into a framed Envelope.
func Encode(typ string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Client -> Server message types.
const (
	TypeJoinProject      = "join_project"
	TypeLeaveProject     = "leave_project"
	TypeExecuteOperation = "execute_operation"
	TypeSyncCheck        = "sync_check"
	TypeRequestFullSync  = "request_full_sync"
	TypeHeartbeat        = "heartbeat"
)

// Server -> Client message types.
const (
	TypeProjectJoined       = "project_joined"
	TypeActiveUsers         = "active_users"
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeTabClosed           = "tab_closed"
	TypeOperationAck        = "operation_ack"
	TypeOperationRejected   = "operation_rejected"
	TypeStateUpdate         = "state_update"
	TypeSyncResponse        = "sync_response"
	TypeFullStateSync       = "full_state_sync"
	TypeMediaReady          = "media_ready"
	TypeVideoQueued         = "video_processing_queued"
	TypeVideoStart          = "video_processing_start"
	TypeVideoProgress       = "video_processing_progress"
	TypeVideoComplete       = "video_processing_complete"
	TypeHeartbeatResponse   = "heartbeat_response"
)

type JoinProject struct {
	ProjectID   uint64 `json:"projectId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	TabID       string `json:"tabId"`
}

type LeaveProject struct {
	ProjectID uint64 `json:"projectId"`
}

type ExecuteOperation struct {
	OperationID   string          `json:"operationId"`
	Type          string          `json:"type"`
	Params        json.RawMessage `json:"params"`
	StateVersion  uint64          `json:"stateVersion"`
	UndoData      json.RawMessage `json:"undoData,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

type SyncCheck struct {
	ProjectID uint64 `json:"projectId"`
	LastSeq   uint64 `json:"lastSeq"`
	StateHash string `json:"stateHash"`
}

type RequestFullSync struct {
	ProjectID uint64 `json:"projectId"`
}

type Heartbeat struct {
	Timestamp int64  `json:"timestamp"`
	ProjectID uint64 `json:"projectId"`
}

type ProjectJoined struct {
	ProjectID      uint64 `json:"project"`
	SessionID      string `json:"session"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type Tab struct {
	ConnectionID string `json:"connectionId"`
	TabID        string `json:"tabId"`
}

type ActiveUser struct {
	UserID      uint64 `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Tabs        []Tab  `json:"tabs"`
}

type ActiveUsers struct {
	Users []ActiveUser `json:"users"`
}

type PresenceChange struct {
	UserID uint64 `json:"userId"`
}

type OperationAck struct {
	OperationID string            `json:"operationId"`
	Seq         uint64            `json:"seq"`
	AssignedIDs map[string]uint64 `json:"assignedIds,omitempty"`
}

type OperationRejected struct {
	OperationID string `json:"operationId"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

type StateUpdateChanges struct {
	Added   []json.RawMessage `json:"added,omitempty"`
	Updated []json.RawMessage `json:"updated,omitempty"`
	Removed []uint64          `json:"removed,omitempty"`
}

type StateUpdate struct {
	StateVersion uint64              `json:"stateVersion"`
	OperationID  string              `json:"operationId,omitempty"`
	Changes      StateUpdateChanges  `json:"changes"`
	OriginUserID uint64              `json:"originUserId"`
	OriginTabID  string              `json:"originTabId"`
	IsUndo       bool                `json:"isUndo,omitempty"`
	IsRedo       bool                `json:"isRedo,omitempty"`
}

type SyncResponse struct {
	NeedsSync         bool              `json:"needsSync"`
	MissedOperations  []json.RawMessage `json:"missedOperations,omitempty"`
	LatestSeq         uint64            `json:"latestSeq"`
	ServerStateHash   string            `json:"serverStateHash"`
}

type FullStateSync struct {
	State        json.RawMessage `json:"state"`
	StateVersion uint64          `json:"stateVersion"`
}

type MediaReady struct {
	Hash    string   `json:"hash"`
	URLs    []string `json:"urls"`
	Formats []string `json:"formats"`
}

type VideoProcessingEvent struct {
	Filename string   `json:"filename"`
	Percent  int      `json:"percent,omitempty"`
	Formats  []string `json:"formats,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type HeartbeatResponse struct {
	Timestamp int64 `json:"timestamp"`
}
