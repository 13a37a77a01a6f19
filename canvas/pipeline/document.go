package pipeline

import (
	"encoding/json"
	"sync"

	"canvasd.io/canvasd/canvas/model"
)

// Document is the authoritative in-memory node graph for one project,
// derived from the Store's persisted canvas blob and kept current by
// applying accepted operations in seq order (spec §4.6: "the Store's
// persisted canvas blob patched by operations beyond its last save
// marker"). All mutation happens while the owning Room's lane is held;
// mu only protects concurrent reads (sync_check, full_state_sync)
// against an in-flight mutation.
type Document struct {
	mu         sync.RWMutex
	nodes      map[model.NodeID]*model.Node
	order      []model.NodeID // layer order, back-to-front
	nextNodeID model.NodeID
	viewport   json.RawMessage
}

type docSnapshot struct {
	Nodes    []*model.Node   `json:"nodes"`
	Viewport json.RawMessage `json:"viewport,omitempty"`
}

// newDocument returns an empty document.
func newDocument() *Document {
	return &Document{nodes: make(map[model.NodeID]*model.Node)}
}

// loadDocument decodes a persisted canvas snapshot. A nil/empty blob
// yields an empty document (a brand new project).
func loadDocument(blob json.RawMessage) (*Document, error) {
	d := newDocument()
	if len(blob) == 0 {
		return d, nil
	}
	var snap docSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	d.viewport = snap.Viewport
	for _, n := range snap.Nodes {
		d.nodes[n.ID] = n
		d.order = append(d.order, n.ID)
		if n.ID >= d.nextNodeID {
			d.nextNodeID = n.ID + 1
		}
	}
	return d, nil
}

// Snapshot renders the current document back to the persisted blob
// shape, nodes in current layer order.
func (d *Document) Snapshot() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() json.RawMessage {
	nodes := make([]*model.Node, 0, len(d.order))
	for _, id := range d.order {
		if n, ok := d.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	blob, _ := json.Marshal(docSnapshot{Nodes: nodes, Viewport: d.viewport})
	return blob
}

// Get returns a copy of the node with id (see model.Node.Clone), or nil
// if absent.
func (d *Document) Get(id model.NodeID) *model.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil
	}
	clone := n.Clone()
	return &clone
}

// Has reports whether id currently resolves.
func (d *Document) Has(id model.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[id]
	return ok
}

// mutate runs fn under the write lock. Handlers never lock directly;
// Pipeline.Execute runs a handler's Validate and Apply together inside
// one mutate call, so neither interleaves with an unrelated goroutine's
// read.
func (d *Document) mutate(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

func (d *Document) read(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// insert adds n to the document, assigning an id if n.ID is zero, and
// appends it to the top of the layer order.
func (d *Document) insert(n *model.Node) {
	if n.ID == 0 {
		n.ID = d.nextNodeID
		d.nextNodeID++
	} else if n.ID >= d.nextNodeID {
		d.nextNodeID = n.ID + 1
	}
	d.nodes[n.ID] = n
	d.order = append(d.order, n.ID)
}

func (d *Document) remove(id model.NodeID) *model.Node {
	n, ok := d.nodes[id]
	if !ok {
		return nil
	}
	delete(d.nodes, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return n
}

// reorder replaces the layer order wholesale; ids absent from newOrder
// keep their relative order appended after it, so a stale/partial
// client-supplied order never drops nodes.
func (d *Document) reorder(newOrder []model.NodeID) []model.NodeID {
	previous := append([]model.NodeID(nil), d.order...)
	seen := make(map[model.NodeID]bool, len(newOrder))
	next := make([]model.NodeID, 0, len(d.order))
	for _, id := range newOrder {
		if _, ok := d.nodes[id]; ok && !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	for _, id := range previous {
		if !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}
	d.order = next
	return previous
}
