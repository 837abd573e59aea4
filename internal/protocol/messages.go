// Package protocol defines the JSON messages exchanged over the control
// channel. Requests carry a client-chosen uid that responses echo back so
// clients can correlate them on a single connection.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/memento-project/memento/internal/llm"
	"github.com/memento-project/memento/internal/models"
)

// Tier names addressable in query/store/clear/count messages.
const (
	TierSTM   = "stm"
	TierLTM   = "ltm"
	TierUsers = "users"
)

func validTier(s string) bool {
	switch s {
	case TierSTM, TierLTM, TierUsers:
		return true
	}
	return false
}

func validateTierList(field string, tiers []string) error {
	if len(tiers) < 1 || len(tiers) > 3 {
		return fmt.Errorf("field %q must name 1 to 3 tiers, got %d", field, len(tiers))
	}
	for _, t := range tiers {
		if !validTier(t) {
			return fmt.Errorf("field %q holds unknown tier %q", field, t)
		}
	}
	return nil
}

// Envelope is the part of every request read before dispatch.
type Envelope struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// ParseEnvelope extracts the message type and uid from raw client data.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("json value sent from client is not a valid object with the shape {\"key\": value, ...}")
	}
	raw, ok := probe["type"]
	if !ok {
		return nil, fmt.Errorf("missing field \"type\" in message from client")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env.Type); err != nil {
		return nil, fmt.Errorf("invalid type for value of field \"type\" in message from client")
	}
	if rawUID, ok := probe["uid"]; ok {
		// A malformed uid is reported without one.
		_ = json.Unmarshal(rawUID, &env.UID)
	}
	return &env, nil
}

// QueryRequest asks for similarity results from one or more tiers. n is
// parallel to from: n[i] bounds the result count for tier from[i].
type QueryRequest struct {
	Type   string   `json:"type"`
	UID    string   `json:"uid"`
	AIName string   `json:"ai_name"`
	User   string   `json:"user"`
	Query  string   `json:"query"`
	From   []string `json:"from"`
	N      []int    `json:"n"`
}

func (m *QueryRequest) Validate() error {
	if err := validateTierList("from", m.From); err != nil {
		return err
	}
	if len(m.N) != len(m.From) {
		return fmt.Errorf("field \"n\" must match \"from\" in length: %d != %d", len(m.N), len(m.From))
	}
	for _, n := range m.N {
		if n < 0 {
			return fmt.Errorf("field \"n\" holds negative count %d", n)
		}
	}
	return nil
}

// StoreRequest inserts pre-formed memories into one or more tiers.
type StoreRequest struct {
	Type     string          `json:"type"`
	UID      string          `json:"uid"`
	AIName   string          `json:"ai_name"`
	Memories []models.Memory `json:"memories"`
	To       []string        `json:"to"`
}

func (m *StoreRequest) Validate() error {
	return validateTierList("to", m.To)
}

// ProcessRequest submits conversation turns for memory extraction.
type ProcessRequest struct {
	Type     string        `json:"type"`
	UID      string        `json:"uid"`
	AIName   string        `json:"ai_name"`
	Context  []llm.Message `json:"context"`
	Messages []llm.Message `json:"messages"`
}

func (m *ProcessRequest) Validate() error {
	if len(m.Messages) == 0 {
		return fmt.Errorf("field \"messages\" must hold at least one message")
	}
	return nil
}

// EvictRequest forces a full drain of the short-term collection through
// the compression pipeline.
type EvictRequest struct {
	Type   string `json:"type"`
	UID    string `json:"uid"`
	AIName string `json:"ai_name"`
}

// ClearRequest wipes one tier of a collection. For the users tier an empty
// user wipes every user's log.
type ClearRequest struct {
	Type   string `json:"type"`
	UID    string `json:"uid"`
	AIName string `json:"ai_name"`
	Target string `json:"target"`
	User   string `json:"user"`
}

func (m *ClearRequest) Validate() error {
	if !validTier(m.Target) {
		return fmt.Errorf("field \"target\" holds unknown tier %q", m.Target)
	}
	return nil
}

// CountRequest asks for entry counts per tier.
type CountRequest struct {
	Type   string   `json:"type"`
	UID    string   `json:"uid"`
	AIName string   `json:"ai_name"`
	From   []string `json:"from"`
}

func (m *CountRequest) Validate() error {
	return validateTierList("from", m.From)
}

// CloseRequest asks the server to shut down.
type CloseRequest struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// QueryResponse carries per-tier results. Only the tiers named in From are
// populated; pointers keep absent tiers out of the payload while empty
// results still serialize as [].
type QueryResponse struct {
	Type  string                  `json:"type"`
	UID   string                  `json:"uid"`
	From  []string                `json:"from"`
	STM   *[]models.QueriedMemory `json:"stm,omitempty"`
	LTM   *[]models.QueriedMemory `json:"ltm,omitempty"`
	Users *[]models.Memory        `json:"users,omitempty"`
}

// SummaryResponse streams the conversation summary back after a process
// request, ahead of the extracted memories landing in storage.
type SummaryResponse struct {
	Type    string `json:"type"`
	UID     string `json:"uid"`
	Summary string `json:"summary"`
}

// CountResponse carries per-tier entry counts for the tiers requested.
type CountResponse struct {
	Type  string `json:"type"`
	UID   string `json:"uid"`
	STM   *int   `json:"stm,omitempty"`
	LTM   *int   `json:"ltm,omitempty"`
	Users *int   `json:"users,omitempty"`
}

// AckResponse confirms a mutation that has no data to return.
type AckResponse struct {
	Type   string  `json:"type"`
	UID    string  `json:"uid"`
	Op     string  `json:"op"`
	Target string  `json:"target"`
	AIName string  `json:"ai_name"`
	User   *string `json:"user"`
}

// ErrorResponse reports a failed request. UID is echoed when the request
// carried one.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	UID   string `json:"uid,omitempty"`
}
