// Package protocol defines the JSON messages exchanged over a sync
// connection and on the cluster backplane. every message carries a `type`
// for dispatch; the remaining fields are flat per message type.
package protocol

import (
	"encoding/json"
)

const (
	// client to server
	MessageTypeAuth            = "auth"
	MessageTypeSubscribe       = "subscribe"
	MessageTypeUnsubscribe     = "unsubscribe"
	MessageTypeUpdate          = "update"
	MessageTypeResolveConflict = "resolve_conflict"
	MessageTypePing            = "ping"

	// server to client
	MessageTypeAuthOk           = "auth_ok"
	MessageTypeDataSnapshot     = "data_snapshot"
	MessageTypeDataChanged      = "data_changed"
	MessageTypeConflictDetected = "conflict_detected"
	MessageTypeUpdateFailed     = "update_failed"
	MessageTypePong             = "pong"
)

// MessageType extracts the type discriminator without decoding the body.
func MessageType(message []byte) (string, error) {
	peek := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(message, &peek); err != nil {
		return "", err
	}
	return peek.Type, nil
}

type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type AuthOk struct {
	Type     string `json:"type"`
	ClientId string `json:"clientId"`
}

type Subscribe struct {
	Type           string `json:"type"`
	ResourceId     string `json:"resourceId"`
	IncludeHistory bool   `json:"includeHistory,omitempty"`
}

type Unsubscribe struct {
	Type       string `json:"type"`
	ResourceId string `json:"resourceId"`
}

type Update struct {
	Type       string  `json:"type"`
	ResourceId string  `json:"resourceId"`
	Change     *Change `json:"change"`
	// optional resolution strategy to apply if the change conflicts
	Strategy string `json:"strategy,omitempty"`
}

type ResolveConflict struct {
	Type       string `json:"type"`
	ResourceId string `json:"resourceId"`
	ChangeId   string `json:"changeId"`
	// one of the offered candidate names, or custom values
	Choice string         `json:"choice,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

type DataSnapshot struct {
	Type       string         `json:"type"`
	ResourceId string         `json:"resourceId"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	Timestamp  int64          `json:"timestamp"`
	// retained log entries, oldest first, when the subscribe asked for them
	History []*Change `json:"history,omitempty"`
}

type DataChanged struct {
	Type       string  `json:"type"`
	ResourceId string  `json:"resourceId"`
	Change     *Change `json:"change"`
	// full tree after the change, included so late observers can reseat
	Data map[string]any `json:"data,omitempty"`
}

type ConflictDetected struct {
	Type                string      `json:"type"`
	ResourceId          string      `json:"resourceId"`
	Conflict            *Conflict   `json:"conflict"`
	SuggestedResolution *Suggestion `json:"suggestedResolution,omitempty"`
}

type UpdateFailed struct {
	Type       string     `json:"type"`
	ResourceId string     `json:"resourceId"`
	Error      *ErrorInfo `json:"error"`
}

type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	// the rejected change, when known
	ChangeId string `json:"changeId,omitempty"`
}

type Conflict struct {
	ConflictType     string       `json:"type"`
	ExpectedVersion  int64        `json:"expectedVersion"`
	CurrentVersion   int64        `json:"currentVersion"`
	YourChange       *Change      `json:"yourChange,omitempty"`
	CompetingChanges []*Change    `json:"competingChanges,omitempty"`
	Fields           []string     `json:"fields,omitempty"`
	Candidates       []*Candidate `json:"candidates,omitempty"`
}

type Suggestion struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

type Candidate struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

// ClusterMessage rides the backplane between processes after a local commit.
// Data is the full tree at Version, so a process that missed messages
// reconverges from any later one.
type ClusterMessage struct {
	ResourceId string         `json:"resourceId"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data"`
	Change     *Change        `json:"change,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Change is the wire form of one change. the `changes` payload is
// polymorphic on `type`: a value tree for set and patch, dotted paths for
// delete, and an operation list for op-sequence.
type Change struct {
	Id          string
	Type        string
	ClientId    string
	BaseVersion int64
	Version     int64
	Status      string
	Timestamp   int64

	Values map[string]any
	Paths  []string
	Ops    []Operation
}

type Operation struct {
	Type     string `json:"type"`
	Field    string `json:"field"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

type wireChange struct {
	Id          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Changes     json.RawMessage `json:"changes,omitempty"`
	ClientId    string          `json:"clientId,omitempty"`
	BaseVersion int64           `json:"baseVersion"`
	Version     int64           `json:"version,omitempty"`
	Status      string          `json:"status,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

func (self *Change) MarshalJSON() ([]byte, error) {
	var payload any
	switch self.Type {
	case "set", "patch":
		payload = self.Values
	case "delete":
		payload = self.Paths
	case "op-sequence":
		payload = self.Ops
	}

	var changes json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		changes = encoded
	}

	return json.Marshal(&wireChange{
		Id:          self.Id,
		Type:        self.Type,
		Changes:     changes,
		ClientId:    self.ClientId,
		BaseVersion: self.BaseVersion,
		Version:     self.Version,
		Status:      self.Status,
		Timestamp:   self.Timestamp,
	})
}

func (self *Change) UnmarshalJSON(data []byte) error {
	wire := &wireChange{}
	if err := json.Unmarshal(data, wire); err != nil {
		return err
	}

	self.Id = wire.Id
	self.Type = wire.Type
	self.ClientId = wire.ClientId
	self.BaseVersion = wire.BaseVersion
	self.Version = wire.Version
	self.Status = wire.Status
	self.Timestamp = wire.Timestamp

	if wire.Changes == nil {
		return nil
	}
	// an unknown type keeps an empty payload and fails core validation
	switch wire.Type {
	case "set", "patch":
		return json.Unmarshal(wire.Changes, &self.Values)
	case "delete":
		return json.Unmarshal(wire.Changes, &self.Paths)
	case "op-sequence":
		return json.Unmarshal(wire.Changes, &self.Ops)
	}
	return nil
}
