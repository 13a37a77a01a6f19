package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"canvasd.io/canvasd/canvas/model"
)

// Changes describes what a successful Apply did to the document, in the
// shape the state_update wire message broadcasts.
type Changes struct {
	Added   []*model.Node
	Updated []*model.Node
	Removed []model.NodeID
}

// ApplyResult is what Apply returns on success.
type ApplyResult struct {
	Changes     Changes
	UndoData    json.RawMessage
	AssignedIDs map[string]model.NodeID // client tempId -> server NodeID, node_create only
}

// Handler is the (validate, apply) pair spec §4.5 registers per
// operation type. Neither function locks the Document; the caller
// always invokes both under Document.mutate.
type Handler struct {
	Validate func(d *Document, params json.RawMessage) error
	Apply    func(d *Document, params json.RawMessage) (ApplyResult, error)
}

// Registry is the fixed set of operation types the pipeline accepts.
var Registry = map[model.OperationType]Handler{
	model.OpNodeCreate:              {Validate: validateNodeCreate, Apply: applyNodeCreate},
	model.OpNodeDelete:              {Validate: validateNodeDelete, Apply: applyNodeDelete},
	model.OpNodeMove:                {Validate: validateNodeMove, Apply: applyNodeMove},
	model.OpNodeResize:              {Validate: validateNodeResize, Apply: applyNodeResize},
	model.OpNodeRotate:              {Validate: validateNodeRotate, Apply: applyNodeRotate},
	model.OpNodePropertyUpdate:      {Validate: validatePropertyUpdate, Apply: applyPropertyUpdate},
	model.OpNodeBatchPropertyUpdate: {Validate: validateBatchPropertyUpdate, Apply: applyBatchPropertyUpdate},
	model.OpLayerOrderChange:        {Validate: validateLayerOrderChange, Apply: applyLayerOrderChange},
	model.OpTransaction:             {Validate: validateTransaction, Apply: applyTransaction},
}

// --- node_create ---

type nodeCreateParams struct {
	TempID     string                 `json:"tempId,omitempty"`
	Type       model.NodeType         `json:"type"`
	Pos        [2]float64             `json:"pos"`
	Size       [2]float64             `json:"size"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func validateNodeCreate(_ *Document, params json.RawMessage) error {
	var p nodeCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_create params: %w", err)
	}
	switch p.Type {
	case model.NodeTypeImage, model.NodeTypeVideo, model.NodeTypeText, model.NodeTypeGroup:
	default:
		return fmt.Errorf("unknown node type %q", p.Type)
	}
	return nil
}

func applyNodeCreate(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p nodeCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	n := &model.Node{
		Type:        p.Type,
		Pos:         p.Pos,
		Size:        p.Size,
		AspectRatio: aspectRatio(p.Size),
		Properties:  p.Properties,
	}
	d.insert(n)

	assigned := map[string]model.NodeID{}
	if p.TempID != "" {
		assigned[p.TempID] = n.ID
	}
	undo, _ := json.Marshal(struct {
		NodeIDs []model.NodeID `json:"nodeIds"`
	}{NodeIDs: []model.NodeID{n.ID}})

	return ApplyResult{
		Changes:     Changes{Added: []*model.Node{n}},
		UndoData:    undo,
		AssignedIDs: assigned,
	}, nil
}

// --- node_delete ---

type nodeIDsParams struct {
	NodeIDs []model.NodeID `json:"nodeIds"`
}

func validateNodeDelete(d *Document, params json.RawMessage) error {
	var p nodeIDsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_delete params: %w", err)
	}
	if len(p.NodeIDs) == 0 {
		return fmt.Errorf("node_delete requires at least one nodeId")
	}
	return checkNodesResolve(d, p.NodeIDs)
}

func applyNodeDelete(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p nodeIDsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	var removed []model.NodeID
	var priorSnapshots []*model.Node
	for _, id := range p.NodeIDs {
		if n := d.remove(id); n != nil {
			removed = append(removed, id)
			priorSnapshots = append(priorSnapshots, n)
		}
	}
	undo, _ := json.Marshal(struct {
		Nodes []*model.Node `json:"nodes"`
	}{Nodes: priorSnapshots})
	return ApplyResult{Changes: Changes{Removed: removed}, UndoData: undo}, nil
}

// --- node_move ---

type nodeMoveParams struct {
	NodeIDs   []model.NodeID `json:"nodeIds"`
	Positions [][2]float64   `json:"positions"`
}

func validateNodeMove(d *Document, params json.RawMessage) error {
	p, err := parseNodeMove(params)
	if err != nil {
		return err
	}
	return checkNodesResolve(d, p.NodeIDs)
}

func parseNodeMove(params json.RawMessage) (nodeMoveParams, error) {
	var p nodeMoveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("malformed node_move params: %w", err)
	}
	if len(p.NodeIDs) != len(p.Positions) {
		return p, fmt.Errorf("node_move: %d nodeIds but %d positions", len(p.NodeIDs), len(p.Positions))
	}
	return p, nil
}

func applyNodeMove(d *Document, params json.RawMessage) (ApplyResult, error) {
	p, err := parseNodeMove(params)
	if err != nil {
		return ApplyResult{}, err
	}
	undoPos := map[model.NodeID][2]float64{}
	var updated []*model.Node
	for i, id := range p.NodeIDs {
		n, ok := d.nodes[id]
		if !ok {
			continue
		}
		undoPos[id] = n.Pos
		n.Pos = p.Positions[i]
		updated = append(updated, n)
	}
	undo, _ := json.Marshal(struct {
		Positions map[model.NodeID][2]float64 `json:"positions"`
	}{Positions: undoPos})
	return ApplyResult{Changes: Changes{Updated: updated}, UndoData: undo}, nil
}

// --- node_resize ---

type nodeResizeParams struct {
	NodeIDs      []model.NodeID `json:"nodeIds"`
	Sizes        [][2]float64   `json:"sizes"`
	AspectRatios []float64      `json:"aspectRatios,omitempty"`
}

func validateNodeResize(d *Document, params json.RawMessage) error {
	var p nodeResizeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_resize params: %w", err)
	}
	if len(p.NodeIDs) != len(p.Sizes) {
		return fmt.Errorf("node_resize: %d nodeIds but %d sizes", len(p.NodeIDs), len(p.Sizes))
	}
	return checkNodesResolve(d, p.NodeIDs)
}

func applyNodeResize(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p nodeResizeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	type oldSize struct {
		Size  [2]float64 `json:"size"`
		Ratio float64    `json:"aspectRatio"`
	}
	undoSizes := map[model.NodeID]oldSize{}
	var updated []*model.Node
	for i, id := range p.NodeIDs {
		n, ok := d.nodes[id]
		if !ok {
			continue
		}
		undoSizes[id] = oldSize{Size: n.Size, Ratio: n.AspectRatio}
		n.Size = p.Sizes[i]
		recomputed := aspectRatio(n.Size)
		if i < len(p.AspectRatios) && math.Abs(p.AspectRatios[i]-recomputed) <= aspectRatioTolerance {
			n.AspectRatio = p.AspectRatios[i]
		} else {
			n.AspectRatio = recomputed
		}
		updated = append(updated, n)
	}
	undo, _ := json.Marshal(struct {
		Sizes map[model.NodeID]oldSize `json:"sizes"`
	}{Sizes: undoSizes})
	return ApplyResult{Changes: Changes{Updated: updated}, UndoData: undo}, nil
}

// aspectRatioTolerance is the drift (spec §4.5) below which a client's
// supplied aspect ratio is trusted instead of recomputed from size.
const aspectRatioTolerance = 1e-3

func aspectRatio(size [2]float64) float64 {
	if size[1] == 0 {
		return 0
	}
	return size[0] / size[1]
}

// --- node_rotate ---

type nodeRotateParams struct {
	NodeIDs   []model.NodeID `json:"nodeIds"`
	Rotations []float64      `json:"rotations"`
}

func validateNodeRotate(d *Document, params json.RawMessage) error {
	var p nodeRotateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_rotate params: %w", err)
	}
	if len(p.NodeIDs) != len(p.Rotations) {
		return fmt.Errorf("node_rotate: %d nodeIds but %d rotations", len(p.NodeIDs), len(p.Rotations))
	}
	return checkNodesResolve(d, p.NodeIDs)
}

func applyNodeRotate(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p nodeRotateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	undoRot := map[model.NodeID]float64{}
	var updated []*model.Node
	for i, id := range p.NodeIDs {
		n, ok := d.nodes[id]
		if !ok {
			continue
		}
		undoRot[id] = n.Rotation
		n.Rotation = math.Mod(p.Rotations[i], 360)
		if n.Rotation < 0 {
			n.Rotation += 360
		}
		updated = append(updated, n)
	}
	undo, _ := json.Marshal(struct {
		Rotations map[model.NodeID]float64 `json:"rotations"`
	}{Rotations: undoRot})
	return ApplyResult{Changes: Changes{Updated: updated}, UndoData: undo}, nil
}

// --- node_property_update ---

type propertyUpdateParams struct {
	NodeID     model.NodeID           `json:"nodeId"`
	Property   string                 `json:"property,omitempty"`
	Value      interface{}            `json:"value,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func validatePropertyUpdate(d *Document, params json.RawMessage) error {
	var p propertyUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_property_update params: %w", err)
	}
	if p.Property == "" && len(p.Properties) == 0 {
		return fmt.Errorf("node_property_update requires property+value or properties")
	}
	return checkNodesResolve(d, []model.NodeID{p.NodeID})
}

func applyPropertyUpdate(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p propertyUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	n, ok := d.nodes[p.NodeID]
	if !ok {
		return ApplyResult{}, fmt.Errorf("node %d not found", p.NodeID)
	}
	if n.Properties == nil {
		n.Properties = map[string]interface{}{}
	}
	updates := p.Properties
	if updates == nil {
		updates = map[string]interface{}{p.Property: p.Value}
	}
	oldValues := map[string]interface{}{}
	for k, v := range updates {
		oldValues[k] = n.Properties[k]
		n.Properties[k] = v
	}
	undo, _ := json.Marshal(struct {
		NodeID model.NodeID           `json:"nodeId"`
		Values map[string]interface{} `json:"values"`
	}{NodeID: p.NodeID, Values: oldValues})
	return ApplyResult{Changes: Changes{Updated: []*model.Node{n}}, UndoData: undo}, nil
}

// --- node_batch_property_update ---

type batchUpdateEntry struct {
	NodeID   model.NodeID `json:"nodeId"`
	Property string       `json:"property"`
	Value    interface{}  `json:"value"`
}

type batchUpdateParams struct {
	Updates []batchUpdateEntry `json:"updates"`
}

func validateBatchPropertyUpdate(d *Document, params json.RawMessage) error {
	var p batchUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed node_batch_property_update params: %w", err)
	}
	if len(p.Updates) == 0 {
		return fmt.Errorf("node_batch_property_update requires at least one update")
	}
	ids := make([]model.NodeID, 0, len(p.Updates))
	for _, u := range p.Updates {
		ids = append(ids, u.NodeID)
	}
	return checkNodesResolve(d, ids)
}

func applyBatchPropertyUpdate(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p batchUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	type inverse struct {
		NodeID   model.NodeID `json:"nodeId"`
		Property string       `json:"property"`
		Value    interface{}  `json:"value"`
	}
	var inverses []inverse
	touched := map[model.NodeID]*model.Node{}
	for _, u := range p.Updates {
		n, ok := d.nodes[u.NodeID]
		if !ok {
			continue
		}
		if n.Properties == nil {
			n.Properties = map[string]interface{}{}
		}
		inverses = append(inverses, inverse{NodeID: u.NodeID, Property: u.Property, Value: n.Properties[u.Property]})
		n.Properties[u.Property] = u.Value
		touched[u.NodeID] = n
	}
	var updated []*model.Node
	for _, n := range touched {
		updated = append(updated, n)
	}
	undo, _ := json.Marshal(inverses)
	return ApplyResult{Changes: Changes{Updated: updated}, UndoData: undo}, nil
}

// --- layer_order_change ---

type layerOrderParams struct {
	NewLayerOrder []model.NodeID `json:"newLayerOrder"`
}

func validateLayerOrderChange(_ *Document, params json.RawMessage) error {
	var p layerOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed layer_order_change params: %w", err)
	}
	if len(p.NewLayerOrder) == 0 {
		return fmt.Errorf("layer_order_change requires a non-empty order")
	}
	return nil
}

func applyLayerOrderChange(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p layerOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	previous := d.reorder(p.NewLayerOrder)
	undo, _ := json.Marshal(struct {
		PreviousOrder []model.NodeID `json:"previousOrder"`
	}{PreviousOrder: previous})
	var updated []*model.Node
	for _, id := range d.order {
		if n, ok := d.nodes[id]; ok {
			updated = append(updated, n)
		}
	}
	return ApplyResult{Changes: Changes{Updated: updated}, UndoData: undo}, nil
}

// --- transaction ---

type transactionChild struct {
	Type   model.OperationType `json:"type"`
	Params json.RawMessage     `json:"params"`
}

type transactionParams struct {
	TransactionID string             `json:"transactionId"`
	Operations    []transactionChild `json:"operations"`
}

func validateTransaction(d *Document, params json.RawMessage) error {
	var p transactionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("malformed transaction params: %w", err)
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("transaction requires at least one child operation")
	}
	for _, child := range p.Operations {
		h, ok := Registry[child.Type]
		if !ok {
			return fmt.Errorf("transaction child: unknown type %q", child.Type)
		}
		if err := h.Validate(d, child.Params); err != nil {
			return fmt.Errorf("transaction child %q: %w", child.Type, err)
		}
	}
	return nil
}

// applyTransaction sequences every child operation under the single seq
// assigned to the transaction as a whole (spec §4.5 table): the children
// never get their own seq, they are persisted as one Operation whose
// Data is the full transactionParams and whose UndoData is the
// concatenation of the children's undo records in reverse-apply order.
func applyTransaction(d *Document, params json.RawMessage) (ApplyResult, error) {
	var p transactionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ApplyResult{}, err
	}
	var changes Changes
	assigned := map[string]model.NodeID{}
	type childUndo struct {
		Type     model.OperationType `json:"type"`
		UndoData json.RawMessage     `json:"undoData"`
	}
	var undos []childUndo
	for _, child := range p.Operations {
		h := Registry[child.Type]
		result, err := h.Apply(d, child.Params)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("transaction child %q: %w", child.Type, err)
		}
		changes.Added = append(changes.Added, result.Changes.Added...)
		changes.Updated = append(changes.Updated, result.Changes.Updated...)
		changes.Removed = append(changes.Removed, result.Changes.Removed...)
		for k, v := range result.AssignedIDs {
			assigned[k] = v
		}
		undos = append([]childUndo{{Type: child.Type, UndoData: result.UndoData}}, undos...)
	}
	undo, _ := json.Marshal(undos)
	return ApplyResult{Changes: changes, UndoData: undo, AssignedIDs: assigned}, nil
}

// nodeNotFoundError signals a dangling node reference — spec's
// "not_found" rejection reason — distinct from a structural/schema
// validation failure, so Pipeline.Execute can tell the two apart.
type nodeNotFoundError struct {
	ids []model.NodeID
}

func (e *nodeNotFoundError) Error() string {
	parts := make([]string, len(e.ids))
	for i, id := range e.ids {
		parts[i] = fmt.Sprintf("node %d", id)
	}
	return strings.Join(parts, ", ")
}

func checkNodesResolve(d *Document, ids []model.NodeID) error {
	var missing []model.NodeID
	for _, id := range ids {
		if _, ok := d.nodes[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &nodeNotFoundError{ids: missing}
	}
	return nil
}
