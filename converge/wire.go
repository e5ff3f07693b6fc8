package converge

import (
	"time"

	"github.com/commonstate/converge/protocol"
)

// conversions between core types and their protocol wire forms. the wire
// side uses string ids and unix milli timestamps.

// zero times map to 0, not the unix milli of the zero time
func wireTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func wireChange(change *Change) *protocol.Change {
	if change == nil {
		return nil
	}
	wire := &protocol.Change{
		Id:          change.ChangeId.String(),
		Type:        string(change.Type),
		ClientId:    change.ClientId.String(),
		BaseVersion: change.BaseVersion,
		Version:     change.Version,
		Status:      string(change.Status),
		Timestamp:   wireTime(change.Timestamp),
	}
	switch change.Type {
	case ChangeTypeSet, ChangeTypePatch:
		wire.Values = copyTree(change.Values)
	case ChangeTypeDelete:
		wire.Paths = append([]string{}, change.Paths...)
	case ChangeTypeOpSequence:
		wire.Ops = wireOps(change.Ops)
	}
	return wire
}

func wireChanges(changes []*Change) []*protocol.Change {
	out := make([]*protocol.Change, 0, len(changes))
	for _, change := range changes {
		out = append(out, wireChange(change))
	}
	return out
}

func wireOps(ops []Operation) []protocol.Operation {
	out := make([]protocol.Operation, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		out = append(out, protocol.Operation{
			Type:     string(op.Type),
			Field:    op.Field,
			Position: op.Position,
			Text:     op.Text,
			Length:   op.Length,
		})
	}
	return out
}

func coreOps(ops []protocol.Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		out = append(out, Operation{
			Type:     OpType(op.Type),
			Field:    op.Field,
			Position: op.Position,
			Text:     op.Text,
			Length:   op.Length,
		})
	}
	return out
}

// coreChange builds a core change from an inbound wire change. the clientId
// always comes from the authenticated session, never from the wire. a wire
// id is honored for correlation when parseable, otherwise a new one is
// minted. validation happens later in the update pipeline.
func coreChange(wire *protocol.Change, resourceId string, clientId Id, now time.Time) *Change {
	change := &Change{
		ResourceId:  resourceId,
		ClientId:    clientId,
		BaseVersion: wire.BaseVersion,
		Type:        ChangeType(wire.Type),
		Status:      ChangeStatusProposed,
		Timestamp:   now,
	}
	if changeId, err := ParseId(wire.Id); err == nil {
		change.ChangeId = changeId
	} else {
		change.ChangeId = NewId()
	}
	switch change.Type {
	case ChangeTypeSet, ChangeTypePatch:
		change.Values = copyTree(wire.Values)
	case ChangeTypeDelete:
		change.Paths = append([]string{}, wire.Paths...)
	case ChangeTypeOpSequence:
		change.Ops = coreOps(wire.Ops)
	}
	return change
}

func wireConflict(conflict *Conflict, suggestion *ResolutionSuggestion, candidates []*ResolutionCandidate) *protocol.ConflictDetected {
	wire := &protocol.Conflict{
		ConflictType:     string(conflict.Type),
		ExpectedVersion:  conflict.ExpectedVersion,
		CurrentVersion:   conflict.CurrentVersion,
		YourChange:       wireChange(conflict.Change),
		CompetingChanges: wireChanges(conflict.Competing),
		Fields:           conflict.Fields,
	}
	for _, candidate := range candidates {
		wire.Candidates = append(wire.Candidates, &protocol.Candidate{
			Name:   candidate.Name,
			Values: candidate.Values,
		})
	}

	message := &protocol.ConflictDetected{
		Type:       protocol.MessageTypeConflictDetected,
		ResourceId: conflict.ResourceId,
		Conflict:   wire,
	}
	if suggestion != nil {
		message.SuggestedResolution = &protocol.Suggestion{
			Strategy: string(suggestion.Strategy),
			Reason:   suggestion.Reason,
		}
	}
	return message
}

func wireClusterMessage(resource *Resource, change *Change) *protocol.ClusterMessage {
	return &protocol.ClusterMessage{
		ResourceId: resource.ResourceId,
		Version:    resource.Version,
		Data:       resource.Data,
		Change:     wireChange(change),
		Timestamp:  wireTime(resource.UpdatedAt),
	}
}

// coreClusterChange rebuilds the committed change carried by a cluster
// message. unparseable ids zero out rather than fail, because the snapshot
// data alongside is authoritative either way.
func coreClusterChange(wire *protocol.Change, resourceId string) *Change {
	if wire == nil {
		return nil
	}
	clientId, err := ParseId(wire.ClientId)
	if err != nil {
		clientId = Id{}
	}
	change := coreChange(wire, resourceId, clientId, time.UnixMilli(wire.Timestamp))
	change.Version = wire.Version
	change.Status = ChangeStatus(wire.Status)
	return change
}
