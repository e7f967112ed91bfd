package relay

import (
	"encoding/json"
	"fmt"

	"github.com/relaycast/broker/internal/registry"
)

// NormalizedEvent is the relay's raw event shape flattened through the
// eventAccessor's ordered-candidate-path walk.
type NormalizedEvent struct {
	Kind          string
	From          string
	To            string
	Body          string
	Channel       string
	DisplayTarget string
	Participants  []Participant
	// UnresolvedParticipants counts participant entries that matched
	// neither string- nor object-form and were dropped; these produce a
	// warn-level log with the raw response body.
	UnresolvedParticipants int
	// Suppressed is true for self-originated echoes that should be
	// dropped rather than routed, unless the event targets a local
	// worker or channel.
	Suppressed bool
}

// Participant is a relay participant, accepted in either string or
// object form: object-form participant lists ({agent_name, agent_id})
// are parsed in addition to string-form.
type Participant struct {
	AgentName string
	AgentID   string
}

// eventAccessor is a small chain-of-responsibility reader over a raw
// relay event body: each field is looked up through a fixed, ordered
// list of candidate nesting paths so upstream shape drift (the field
// moving from top-level into payload.* or message.*) does not silently
// drop it. Deliberately a concrete little type, not a generic
// reflection-based walker.
type eventAccessor struct {
	payload map[string]any
	message map[string]any
	top     map[string]any
}

func newEventAccessor(raw map[string]any) eventAccessor {
	a := eventAccessor{top: raw}
	if p, ok := raw["payload"].(map[string]any); ok {
		a.payload = p
	}
	if m, ok := raw["message"].(map[string]any); ok {
		a.message = m
	}
	return a
}

// str returns the first non-empty string found at key across
// payload, message, then top-level, in that order.
func (a eventAccessor) str(key string) string {
	for _, m := range []map[string]any{a.payload, a.message, a.top} {
		if m == nil {
			continue
		}
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (a eventAccessor) raw(key string) (any, bool) {
	for _, m := range []map[string]any{a.payload, a.message, a.top} {
		if m == nil {
			continue
		}
		if v, ok := m[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalize parses one raw relay frame into a NormalizedEvent, applying
// the broker's routing rules.
func normalize(raw []byte, brokerName string, reg *registry.Registry) (NormalizedEvent, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return NormalizedEvent{}, fmt.Errorf("relay: malformed event: %w", err)
	}
	a := newEventAccessor(m)

	evt := NormalizedEvent{
		Kind:    a.str("type"),
		From:    a.str("from"),
		To:      a.str("to"),
		Body:    a.str("body"),
		Channel: a.str("channel"),
	}
	if evt.Kind == "" {
		evt.Kind = "relay_inbound"
	}
	evt.DisplayTarget = a.str("display_target")

	if parts, ok := a.raw("participants"); ok {
		evt.Participants, evt.UnresolvedParticipants = parseParticipants(parts)
	}

	// thread.reply's synthetic target is "thread"; override
	// display_target from the raw channel so dashboards route to the
	// right conversation.
	if evt.Kind == "thread.reply" && evt.To == "thread" && evt.Channel != "" {
		evt.DisplayTarget = evt.Channel
	}

	_, localTarget := reg.Get(evt.To)
	isChannelTarget := evt.Channel != "" && evt.To == evt.Channel
	if evt.From == brokerName && !localTarget && !isChannelTarget {
		evt.Suppressed = true
	}

	return evt, nil
}

// parseParticipants accepts both string-form ("alice") and
// object-form ({"agent_name":"alice","agent_id":"123"}) entries.
func parseParticipants(raw any) ([]Participant, int) {
	list, ok := raw.([]any)
	if !ok {
		return nil, 0
	}
	out := make([]Participant, 0, len(list))
	unresolved := 0
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, Participant{AgentName: v})
		case map[string]any:
			p := Participant{}
			if name, ok := v["agent_name"].(string); ok {
				p.AgentName = name
			}
			if id, ok := v["agent_id"].(string); ok {
				p.AgentID = id
			}
			if p.AgentName == "" && p.AgentID == "" {
				unresolved++
				continue
			}
			out = append(out, p)
		default:
			unresolved++
		}
	}
	return out, unresolved
}
