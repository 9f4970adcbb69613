package model

// clientFilterSource is the sentinel source name the Coordinator uses in a
// session's messageFilter document to mean "the client itself", mirroring
// the test harness's own '(client)' basename convention for the client's
// pseudo-computation in that same filter graph.
const clientFilterSource = "(client)"

// clientFilterTarget is one computation a client-originated message may be
// routed to, plus the optional set of routing names admitted for it. A nil
// names set means every name passes, the filter document's "*" entry.
type clientFilterTarget struct {
	addr  Address
	names map[string]bool
}

// MessageFilterAddresser is the ClientAddresser built from a session's
// messageFilter document: for each computation the filter names under the
// "(client)" source, it admits messages whose routing name is in that
// computation's names set (or every message, if the set is unrestricted).
//
// The document's exact per-target shape was never captured in any retrieved
// Addresser implementation, so this accepts the handful of JSON shapes a
// decoded document plausibly takes ("*", a name array, or a name->bool map)
// rather than porting a specific algorithm.
type MessageFilterAddresser struct {
	targets []clientFilterTarget
}

// NewMessageFilterAddresser builds an addresser from a SessionConfig's raw
// messageFilter field (or a later "run" signal's routing update, which
// carries the same shape) together with the session's resolved computation
// placement table. Target names absent from placement are dropped silently:
// a filter entry for a computation not yet placed on this session can't be
// turned into a routable address.
func NewMessageFilterAddresser(session SessionID, filter map[string]any, placement map[string]ComputationPlacement) *MessageFilterAddresser {
	a := &MessageFilterAddresser{}
	targets, _ := filter[clientFilterSource].(map[string]any)
	for name, spec := range targets {
		place, ok := placement[name]
		if !ok {
			continue
		}
		node, comp := place.NodeID, place.CompID
		a.targets = append(a.targets, clientFilterTarget{
			addr:  Address{Session: session, Node: &node, Comp: &comp},
			names: parseFilterNames(spec),
		})
	}
	return a
}

func parseFilterNames(spec any) map[string]bool {
	switch v := spec.(type) {
	case []any:
		names := make(map[string]bool, len(v))
		for _, n := range v {
			if s, ok := n.(string); ok {
				names[s] = true
			}
		}
		return names
	case map[string]any:
		names := make(map[string]bool, len(v))
		for k := range v {
			names[k] = true
		}
		return names
	default:
		// "*" or any other bare scalar: unrestricted.
		return nil
	}
}

// Route implements ClientAddresser.
func (a *MessageFilterAddresser) Route(name string, classID uint16, payload []byte) []Address {
	out := make([]Address, 0, len(a.targets))
	for _, t := range a.targets {
		if len(t.names) == 0 || t.names[name] {
			out = append(out, t.addr)
		}
	}
	return out
}
