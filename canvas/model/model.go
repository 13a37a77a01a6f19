// Package model defines the entities shared across the collaboration core:
// users, projects, the logical node graph embedded in a project's canvas
// snapshot, the append-only operation log, content-addressed files, and
// connection sessions. These are semantic types, not wire types — the
// transport layer marshals them to/from JSON at the boundary.
package model

import (
	"encoding/json"
	"time"
)

// UserID, ProjectID, NodeID and FileID are server-assigned, monotonic
// within their own namespace (NodeID is monotonic per-project only).
type (
	UserID    uint64
	ProjectID uint64
	NodeID    uint64
	FileID    uint64
	Seq       uint64
)

// User is created on first join and is never deleted while referenced by
// a project or operation.
type User struct {
	ID          UserID
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Project is the shared document ("canvas"). CanvasSnapshot is an opaque,
// serialized graph or nil; it is periodically rewritten from the
// operation log.
type Project struct {
	ID             ProjectID
	Name           string
	OwnerID        UserID
	CanvasSnapshot json.RawMessage
	LastModified   time.Time
}

// NodeType enumerates the registered canvas element kinds.
type NodeType string

const (
	NodeTypeImage NodeType = "image"
	NodeTypeVideo NodeType = "video"
	NodeTypeText  NodeType = "text"
	NodeTypeGroup NodeType = "group"
)

// Node is a positioned, sized, possibly rotated canvas element. Node lives
// inside a Project's CanvasSnapshot; it is never persisted as its own row.
// Media nodes carry {hash, serverFilename, filename} in Properties and
// never inline bytes.
type Node struct {
	ID           NodeID                 `json:"id"`
	Type         NodeType               `json:"type"`
	Pos          [2]float64             `json:"pos"`
	Size         [2]float64             `json:"size"`
	Rotation     float64                `json:"rotation"`
	AspectRatio  float64                `json:"aspectRatio"`
	Title        string                 `json:"title,omitempty"`
	Flags        map[string]bool        `json:"flags,omitempty"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// Clone returns a deep-enough copy of a Node for undo-snapshot storage.
// Properties/Flags maps are copied so later in-place mutation of the live
// node never corrupts a previously captured undo record.
func (n Node) Clone() Node {
	clone := n
	if n.Flags != nil {
		clone.Flags = make(map[string]bool, len(n.Flags))
		for k, v := range n.Flags {
			clone.Flags[k] = v
		}
	}
	if n.Properties != nil {
		clone.Properties = make(map[string]interface{}, len(n.Properties))
		for k, v := range n.Properties {
			clone.Properties[k] = v
		}
	}
	return clone
}

// OperationType is the registered set of mutation kinds the pipeline
// accepts. Each is bound to a (validator, applier, undo-descriptor) triple
// in canvas/pipeline.
type OperationType string

const (
	OpNodeCreate              OperationType = "node_create"
	OpNodeDelete              OperationType = "node_delete"
	OpNodeMove                OperationType = "node_move"
	OpNodeResize              OperationType = "node_resize"
	OpNodeRotate              OperationType = "node_rotate"
	OpNodePropertyUpdate      OperationType = "node_property_update"
	OpNodeBatchPropertyUpdate OperationType = "node_batch_property_update"
	OpLayerOrderChange        OperationType = "layer_order_change"
	OpTransaction             OperationType = "transaction"
)

// Operation is an atomic, server-sequenced mutation of a project's node
// graph. (ProjectID, Seq) is unique; Seq is contiguous from 1 and strictly
// increasing within the project. UndoData is always server-generated —
// client-supplied undo data is a hint only (see spec Open Questions).
type Operation struct {
	Seq       Seq
	ProjectID ProjectID
	UserID    UserID
	TabID     string
	Type      OperationType
	Data      json.RawMessage
	UndoData  json.RawMessage
	CreatedAt time.Time
}

// File is a content-addressed blob record. Hash is the primary address;
// ID is a surrogate key for joins.
type File struct {
	ID         FileID
	Hash       string // lowercase hex SHA-256
	StoredName string
	Mime       string
	Size       int64
	ProjectID  *ProjectID
}

// Session is a single client connection with a tab identity. Many
// Sessions may share a UserID (multi-tab); at most one Session exists per
// ConnectionID.
type Session struct {
	ConnectionID string
	UserID       UserID
	ProjectID    ProjectID
	TabID        string
	JoinedAt     time.Time
}
