package session

import (
	"context"
	"encoding/json"

	"sw/ocpp/gateway/internal/logging"
	"sw/ocpp/gateway/internal/ocpp"
)

// StationLookup finds the live station session for a bridge call.
// It returns ocpp.ErrNotConnected when the station has no session on this instance.
type StationLookup interface {
	LookupStationSession(tenant string, stationID string) (*Session, error)
}

// Forwarder is the RequestHandler of bridge sessions: it relays each Call to
// the station session and returns the station's reply.
type Forwarder struct {
	Lookup StationLookup
}

func NewForwarder(lookup StationLookup) *Forwarder {
	return &Forwarder{Lookup: lookup}
}

func (f *Forwarder) HandleRequest(ctx context.Context, id Identity, action ocpp.Action, payload json.RawMessage) (any, error) {
	station, err := f.Lookup.LookupStationSession(id.Tenant, id.StationID)
	if err != nil {
		return nil, err
	}
	logging.ForStation(id.Tenant, id.StationID, string(action)).Debug("forwarding bridge call to station")

	result, err := station.SendCall(ctx, action, payload)
	if err != nil {
		return nil, err
	}
	return result, nil
}
