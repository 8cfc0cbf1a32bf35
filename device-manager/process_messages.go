package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sw/ocpp/gateway/internal/ocpp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type ctxKey string

const deviceCtxKey ctxKey = "device"

const maxActionBody = 64 * 1024

// lookupAction matches command case-insensitively against the bridge whitelist.
func lookupAction(command string) (ocpp.Action, bool) {
	for action := range ocpp.BridgeActions {
		if strings.EqualFold(string(action), command) {
			return action, true
		}
	}
	return "", false
}

// DeviceCtx loads the station addressed by the URL into the request context.
func DeviceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		station := chi.URLParam(r, "station")
		if tenant == "" || station == "" {
			render.Render(w, r, ErrInvalidRequest(errors.New("tenant and station are required")))
			return
		}
		ctx := context.WithValue(r.Context(), deviceCtxKey, &Device{Tenant: tenant, StationID: station})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actionHandler relays the posted payload as command to the station and renders its reply.
func actionHandler(caller StationCaller, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := r.Context().Value(deviceCtxKey).(*Device)

		action, ok := lookupAction(chi.URLParam(r, "command"))
		if !ok {
			render.Render(w, r, ErrInvalidRequest(fmt.Errorf("unknown command %q", chi.URLParam(r, "command"))))
			return
		}
		logger := log.WithField("tenant", device.Tenant).WithField("station", device.StationID).WithField("action", string(action))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		payload := json.RawMessage(body)
		if len(strings.TrimSpace(string(body))) == 0 {
			payload = json.RawMessage("{}")
		} else if !json.Valid(body) {
			render.Render(w, r, ErrInvalidRequest(errors.New("payload is not valid JSON")))
			return
		}
		logger.Debugf("Request: %s", payload)

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result, err := caller.Call(ctx, device.Tenant, device.StationID, action, payload)
		if err != nil {
			logger.Warnf("Action failed: %s", err)
			render.Render(w, r, ErrAction(err))
			return
		}
		logger.Info("Response: " + string(result))
		render.Render(w, r, &ActionResponse{Action: string(action), Tenant: device.Tenant, StationID: device.StationID, Result: result})
	}
}

type ActionResponse struct {
	Action    string          `json:"action"`
	Tenant    string          `json:"tenant"`
	StationID string          `json:"station"`
	Result    json.RawMessage `json:"result"`
}

func (rd *ActionResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type ErrResponse struct {
	Err            error `json:"-"` // low-level runtime error
	HTTPStatusCode int   `json:"-"` // http response status code

	StatusText string `json:"status"`           // user-level status message
	Reason     string `json:"reason,omitempty"` // gateway failure reason
	ErrorText  string `json:"error,omitempty"`  // application-level error message, for debugging
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

// ErrAction maps a failed relay onto an HTTP status by its gateway reason.
func ErrAction(err error) render.Renderer {
	resp := &ErrResponse{Err: err, ErrorText: err.Error()}

	var ocppErr *ocpp.Error
	switch {
	case errors.Is(err, ocpp.ErrIdentityValidationFailed):
		resp.HTTPStatusCode, resp.StatusText = http.StatusForbidden, "Gateway refused the bridge."
	case errors.Is(err, ocpp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		resp.HTTPStatusCode, resp.StatusText, resp.Reason = http.StatusGatewayTimeout, "Station did not answer in time.", ocpp.ReasonRequestTimeout
	case errors.As(err, &ocppErr):
		resp.Reason = ocppErr.Reason()
		switch resp.Reason {
		case ocpp.ReasonNotConnected:
			resp.HTTPStatusCode, resp.StatusText = http.StatusNotFound, "Station not connected."
		case ocpp.ReasonRequestTimeout:
			resp.HTTPStatusCode, resp.StatusText = http.StatusGatewayTimeout, "Station did not answer in time."
		default:
			resp.HTTPStatusCode, resp.StatusText = http.StatusBadGateway, "Station returned an error."
			if resp.Reason == "" {
				resp.Reason = string(ocppErr.Code)
			}
		}
	default:
		resp.HTTPStatusCode, resp.StatusText = http.StatusBadGateway, "Gateway unavailable."
	}
	return resp
}
