package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"sw/ocpp/gateway/internal/helpers"
	svc "sw/ocpp/gateway/internal/models/service"
	"sw/ocpp/gateway/internal/ocpp"
	"sw/ocpp/gateway/internal/session"
)

const DefaultHeartbeatInterval = 60

type TransactionStore interface {
	InsertNextTransaction(ctx context.Context, tx *svc.Transaction) (int64, error)
	StopTransaction(ctx context.Context, tenant string, stationID string, transactionId int64, meterStop int, ts time.Time) error
}

// RegisterDefaultHandlers binds every station initiated command.
func RegisterDefaultHandlers(s *Service, store TransactionStore, heartbeatInterval int) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	h := &handlers{store: store, heartbeatInterval: heartbeatInterval}

	s.Register(ocpp.BootNotification, h.bootNotification)
	s.Register(ocpp.Heartbeat, h.heartbeat)
	s.Register(ocpp.Authorize, h.authorize)
	s.Register(ocpp.StartTransaction, h.startTransaction)
	s.Register(ocpp.StopTransaction, h.stopTransaction)
	s.Register(ocpp.DataTransfer, h.dataTransfer)
	s.Register(ocpp.StatusNotification, h.acknowledge)
	s.Register(ocpp.MeterValues, h.acknowledge)
	s.Register(ocpp.DiagnosticsStatusNotification, h.acknowledge)
	s.Register(ocpp.FirmwareStatusNotification, h.acknowledge)
}

type handlers struct {
	store             TransactionStore
	heartbeatInterval int
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func missing(field string) error {
	return ocpp.NewError(ocpp.OccurrenceConstraintViolation, "missing "+field, nil)
}

func (h *handlers) bootNotification(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	var req ocpp.OcppBootNotification
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargePointVendor == "" {
		return nil, missing("chargePointVendor")
	}
	if req.ChargePointModel == "" {
		return nil, missing("chargePointModel")
	}
	return ocpp.OcppBootNotificationResponse{
		Status:      ocpp.BootStatus_Accepted,
		CurrentTime: helpers.GenerateDateNow(),
		Interval:    h.heartbeatInterval,
	}, nil
}

func (h *handlers) heartbeat(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	return ocpp.OcppHeartBeatAck{CurrentTime: helpers.GenerateDateNow()}, nil
}

func (h *handlers) authorize(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	var req ocpp.OcppAuthorize
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IdTag == "" {
		return nil, missing("idTag")
	}
	return ocpp.OcppAuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthStatus_Accepted}}, nil
}

func (h *handlers) startTransaction(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	var req ocpp.OcppStartTransaction
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IdTag == "" {
		return nil, missing("idTag")
	}

	tx := &svc.Transaction{
		Tenant:      id.Tenant,
		StationID:   id.StationID,
		ConnectorId: req.ConnectorId,
		IdTag:       req.IdTag,
		MeterStart:  req.MeterStart,
		TimeStarted: parseTimestamp(req.Timestamp),
	}
	txId, err := h.store.InsertNextTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	return ocpp.OcppTransactionResponse{TransactionId: txId, IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthStatus_Accepted}}, nil
}

func (h *handlers) stopTransaction(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	var req ocpp.OcppStopTransaction
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.TransactionId == 0 {
		return nil, missing("transactionId")
	}

	err := h.store.StopTransaction(ctx, id.Tenant, id.StationID, req.TransactionId, req.MeterStop, parseTimestamp(req.Timestamp))
	if err != nil {
		return nil, err
	}
	return ocpp.OcppTransactionResponse{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthStatus_Accepted}}, nil
}

func (h *handlers) dataTransfer(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	return ocpp.OcppDataTransferResponse{Status: ocpp.DataTransfer_UnknownVendorId}, nil
}

func (h *handlers) acknowledge(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error) {
	return struct{}{}, nil
}

// parseTimestamp falls back to now for absent or unparseable station timestamps.
func parseTimestamp(ts string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t.UTC()
		}
	}
	return helpers.Now().UTC()
}
