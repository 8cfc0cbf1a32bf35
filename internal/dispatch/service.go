// Provides the command table mapping OCPP actions to business handlers
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"sw/ocpp/gateway/internal/logging"
	"sw/ocpp/gateway/internal/ocpp"
	"sw/ocpp/gateway/internal/session"
	"sw/ocpp/gateway/internal/telemetry"

	"github.com/samber/oops"
)

// HandlerFunc computes the reply payload of one command.
type HandlerFunc func(ctx context.Context, id session.Identity, payload json.RawMessage) (any, error)

// Service is the session.RequestHandler of station sessions.
type Service struct {
	handlers    map[ocpp.Action]HandlerFunc
	rateLimited ocpp.ActionSet
	limiters    []Limiter
}

// NewService applies every limiter to StartTransaction and StopTransaction.
func NewService(limiters ...Limiter) *Service {
	return &Service{
		handlers:    make(map[ocpp.Action]HandlerFunc),
		rateLimited: ocpp.NewActionSet(ocpp.StartTransaction, ocpp.StopTransaction),
		limiters:    limiters,
	}
}

// Register binds a handler; the table is built once at startup.
func (s *Service) Register(action ocpp.Action, handler HandlerFunc) {
	s.handlers[action] = handler
}

func (s *Service) Handles(action ocpp.Action) bool {
	_, ok := s.handlers[action]
	return ok
}

func (s *Service) HandleRequest(ctx context.Context, id session.Identity, action ocpp.Action, payload json.RawMessage) (any, error) {
	handler, ok := s.handlers[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ocpp.ErrNotImplemented, action)
	}
	logger := logging.ForStation(id.Tenant, id.StationID, string(action))

	if s.rateLimited.Contains(action) {
		key := rateLimitKey(id, payload)
		for _, limiter := range s.limiters {
			admitted, err := limiter.Consume(ctx, key)
			if err != nil {
				logger.Warnf("rate limiter %s unavailable, admitting: %s", limiter.Name(), err)
				continue
			}
			if !admitted {
				logger.Warnf("rate limit %s exceeded for %s", limiter.Name(), key)
				return nil, oops.In("dispatch").
					With(logging.FieldTenant, id.Tenant, logging.FieldStation, id.StationID, logging.FieldAction, string(action)).
					With("limiter", limiter.Name()).
					Wrapf(ocpp.ErrRateLimited, "%s rejected by %s limiter", action, limiter.Name())
			}
		}
	}

	start := time.Now()
	result, err := handler(ctx, id, payload)
	telemetry.TrackOcppRequest(id.Tenant, id.StationID, string(action), err == nil, time.Since(start))
	if err != nil {
		logger.WithError(err).Error("handler failed")
		return nil, oops.In("dispatch").
			With(logging.FieldTenant, id.Tenant, logging.FieldStation, id.StationID, logging.FieldAction, string(action)).
			Wrapf(err, "handling %s", action)
	}
	logger.Debugf("handled in %s", time.Since(start))
	return result, nil
}

// ExpungeLimiters drops refilled buckets of in-memory limiters.
func (s *Service) ExpungeLimiters() int {
	removed := 0
	for _, limiter := range s.limiters {
		if m, ok := limiter.(*MemoryLimiter); ok {
			removed += m.Expunge()
		}
	}
	return removed
}

// rateLimitKey is tenant~station, plus ~connector when the payload names one.
func rateLimitKey(id session.Identity, payload json.RawMessage) string {
	key := id.Key()
	var body struct {
		ConnectorId *int `json:"connectorId"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.ConnectorId != nil {
		key += "~" + strconv.Itoa(*body.ConnectorId)
	}
	return key
}
