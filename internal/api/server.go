package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/activate"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/agentfault"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/bridge"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/token"
)

// Service is the activation surface exposed over HTTP. Implemented by
// activate.Controller.
type Service interface {
	Evaluate() activate.State
	Activate(ctx context.Context) (activate.Result, error)
	AwaitContext(ctx context.Context, wait time.Duration) error
}

// Deps carries everything the HTTP surface composes: the activation
// service, the shared discovery state for the read-only session view, and
// the bridge endpoints for consumer surfaces.
type Deps struct {
	Service Service
	State   *session.State
	Broker  *bridge.Broker
	Agent   bridge.Agent

	// ExpiryBuffer is the freshness margin applied when reporting token
	// state in the session view.
	ExpiryBuffer time.Duration
}

type sessionOutput struct {
	Body struct {
		State          activate.State `json:"state"`
		HasCredential  bool           `json:"has_credential"`
		TokenExpiresAt *time.Time     `json:"token_expires_at,omitempty"`
		TokenFresh     bool           `json:"token_fresh"`
		EndpointBase   string         `json:"endpoint_base,omitempty"`
		EnvironmentID  string         `json:"environment_id,omitempty"`
		ResourceID     string         `json:"resource_id,omitempty"`
		ObservingTabID string         `json:"observing_tab_id,omitempty"`
		ConsumerTabID  string         `json:"consumer_tab_id,omitempty"`
		BridgeClients  int            `json:"bridge_clients"`
	}
}

type activateInput struct {
	WaitSeconds int `query:"wait_seconds" default:"0" doc:"Wait up to this many seconds for a flow coordinate to be discovered before running the entry action. 0 runs it immediately."`
}

type activateOutput struct {
	Body activate.Result
}

func NewServer(deps Deps) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Flow Discovery Agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	// The credential itself is only ever delivered over the bridge socket.
	// The HTTP surface reports about it, never the value.
	router.Get("/api/v1/bridge", bridge.WSHandler(deps.Broker, deps.Agent))

	registerAgentHandlers(api, deps)

	return router
}

func registerAgentHandlers(api huma.API, deps Deps) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/session", Summary: "Current discovery state", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			snap := deps.State.Snapshot()
			out := &sessionOutput{}
			out.Body.State = deps.Service.Evaluate()
			out.Body.HasCredential = snap.Credential != ""
			if !snap.Expiry.IsZero() {
				expiry := snap.Expiry
				out.Body.TokenExpiresAt = &expiry
			}
			out.Body.TokenFresh = snap.Credential != "" && !token.Expired(snap.Expiry, deps.ExpiryBuffer, time.Now())
			out.Body.EndpointBase = snap.EndpointBase
			if snap.Coordinate != nil {
				out.Body.EnvironmentID = snap.Coordinate.EnvironmentID
				out.Body.ResourceID = snap.Coordinate.ResourceID
			}
			out.Body.ObservingTabID = snap.ObservingTabID
			out.Body.ConsumerTabID = snap.ConsumerTabID
			out.Body.BridgeClients = deps.Broker.ClientCount()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "activate", Method: http.MethodPost, Path: "/api/v1/activate", Summary: "Run the entry action", Description: "Launches or focuses the editor tab when a flow coordinate and a fresh token are available, otherwise reports which piece is missing.", Tags: []string{"Activation"}},
		func(ctx context.Context, input *activateInput) (*activateOutput, error) {
			if input.WaitSeconds > 0 {
				if err := deps.Service.AwaitContext(ctx, time.Duration(input.WaitSeconds)*time.Second); err != nil {
					return nil, mapErr(err)
				}
			}
			result, err := deps.Service.Activate(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &activateOutput{}
			out.Body = result
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *agentfault.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case agentfault.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case agentfault.CodeWrongSite, agentfault.CodeNoActivity, agentfault.CodeNoToken, agentfault.CodeTokenExpired:
			return huma.Error409Conflict(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		case agentfault.CodeDiscoveryTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case agentfault.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
