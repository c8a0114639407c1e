// Package gateway adapts API Gateway events to the session lifecycle, the
// reply path and the instrumentation command.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"

	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/internal/instrument"
	"github.com/dan-v/plldb/internal/session"
	"github.com/dan-v/plldb/internal/store"
	"github.com/dan-v/plldb/pkg/shared"
)

// NotifierFactory returns a notifier for the WebSocket stage endpoint
// https://{domain}/{stage}.
type NotifierFactory func(endpoint string) bridge.Notifier

// connectionCloser is implemented by notifiers that can drop a connection.
type connectionCloser interface {
	Close(ctx context.Context, connectionID string) error
}

// Handlers holds the dependencies shared by every route.
type Handlers struct {
	Sessions     *session.Controller
	Records      store.CorrelationStore
	Instrumenter instrument.Instrumenter
	Notifiers    NotifierFactory
	Clock        clock.Clock

	// CompletedTTL is how long a completed correlation record is kept.
	CompletedTTL time.Duration
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type createSessionRequest struct {
	StackName string `json:"stackName" validate:"required"`
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(status int, body interface{}) events.APIGatewayProxyResponse {
	data, err := json.Marshal(body)
	if err != nil {
		status, data = http.StatusInternalServerError, []byte(`{"error":"encode response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}

// RestAPI serves POST /sessions; every other route is 404.
func (h *Handlers) RestAPI(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != http.MethodPost || strings.TrimSuffix(req.Path, "/") != "/sessions" {
		return jsonResponse(http.StatusNotFound, errorBody{"Not Found"}), nil
	}

	var body createSessionRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			return jsonResponse(http.StatusBadRequest, errorBody{"request body must be JSON"}), nil
		}
	}
	if err := validate.Struct(body); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{"stackName is required"}), nil
	}

	id, err := h.Sessions.CreateSession(ctx, body.StackName)
	switch {
	case errors.Is(err, shared.ErrInvalidInput):
		return jsonResponse(http.StatusBadRequest, errorBody{"stackName is required"}), nil
	case err != nil:
		shared.LogError("create session", err)
		return jsonResponse(shared.HTTPStatus(err), errorBody{err.Error()}), nil
	}
	return jsonResponse(http.StatusCreated, map[string]string{"sessionId": id}), nil
}

// Authorize is the REQUEST authorizer of the $connect route.
func (h *Handlers) Authorize(ctx context.Context, req events.APIGatewayCustomAuthorizerRequestTypeRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	d := h.Sessions.AuthorizeConnect(ctx, req.QueryStringParameters["sessionId"])
	return policy(d, req.MethodArn), nil
}

func policy(d session.Decision, resource string) events.APIGatewayCustomAuthorizerResponse {
	effect := "Deny"
	if d.Allow {
		effect = "Allow"
	}
	resp := events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: "user",
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: "2012-10-17",
			Statement: []events.IAMPolicyStatement{{
				Action:   []string{"execute-api:Invoke"},
				Effect:   effect,
				Resource: []string{resource},
			}},
		},
	}
	if d.Allow && len(d.Context) > 0 {
		resp.Context = make(map[string]interface{}, len(d.Context))
		for k, v := range d.Context {
			resp.Context[k] = v
		}
	}
	return resp
}

type authorizerContext struct {
	SessionID string `mapstructure:"sessionId"`
}

// Connect runs after a successful authorization.
func (h *Handlers) Connect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	var auth authorizerContext
	if err := mapstructure.WeakDecode(req.RequestContext.Authorizer, &auth); err != nil || auth.SessionID == "" {
		return jsonResponse(http.StatusForbidden, errorBody{"No session ID found"}), nil
	}

	connectionID := req.RequestContext.ConnectionID
	if err := h.Sessions.OnConnect(ctx, auth.SessionID, connectionID); err != nil {
		shared.LogError("connect "+connectionID, err)
		return jsonResponse(shared.HTTPStatus(err), errorBody{err.Error()}), nil
	}
	return jsonResponse(http.StatusOK, map[string]string{"message": "Connected", "sessionId": auth.SessionID}), nil
}

// Disconnect is idempotent; unknown connections succeed.
func (h *Handlers) Disconnect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	if err := h.Sessions.OnDisconnect(ctx, req.RequestContext.ConnectionID); err != nil {
		shared.LogError("disconnect "+req.RequestContext.ConnectionID, err)
		return jsonResponse(shared.HTTPStatus(err), errorBody{err.Error()}), nil
	}
	return jsonResponse(http.StatusOK, map[string]string{"message": "Disconnected"}), nil
}

// Default receives debugger replies and writes them into the correlation store.
func (h *Handlers) Default(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	if action := gjson.Get(req.Body, "action").String(); action != shared.ActionDebuggerResponse {
		h.notice(ctx, req, "WARNING", fmt.Sprintf("Unsupported message action %q", action))
		return jsonResponse(http.StatusBadRequest, errorBody{"unsupported action"}), nil
	}

	var resp shared.DebuggerResponse
	if err := json.Unmarshal([]byte(req.Body), &resp); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{"malformed DebuggerResponse"}), nil
	}

	recorded, err := bridge.RecordReplyRetained(ctx, h.Records, h.Clock, connectionID, resp, h.CompletedTTL)
	switch {
	case errors.Is(err, shared.ErrUnauthorized):
		shared.LogWarnf("Connection %s replied for %s, which is bridged elsewhere; closing it", connectionID, resp.RequestID)
		h.notice(ctx, req, "ERROR", fmt.Sprintf("Invocation %s does not belong to this connection", resp.RequestID))
		h.closeConnection(ctx, req)
		return jsonResponse(http.StatusForbidden, errorBody{err.Error()}), nil
	case err != nil:
		shared.LogError("record reply "+resp.RequestID, err)
		h.notice(ctx, req, "ERROR", fmt.Sprintf("Reply for %s rejected: %v", resp.RequestID, err))
		return jsonResponse(shared.HTTPStatus(err), errorBody{err.Error()}), nil
	case !recorded:
		shared.LogWarnf("Late reply for %s from %s dropped", resp.RequestID, connectionID)
		h.notice(ctx, req, "WARNING", fmt.Sprintf("Invocation %s already completed; reply dropped", resp.RequestID))
	default:
		shared.LogStoragef("Recorded reply for %s (status %d)", resp.RequestID, resp.StatusCode)
	}
	return jsonResponse(http.StatusOK, map[string]string{"message": "Received"}), nil
}

// notifierFor returns the notifier of the stage req arrived on, or nil.
func (h *Handlers) notifierFor(req events.APIGatewayWebsocketProxyRequest) bridge.Notifier {
	if h.Notifiers == nil || req.RequestContext.DomainName == "" {
		return nil
	}
	return h.Notifiers(fmt.Sprintf("https://%s/%s", req.RequestContext.DomainName, req.RequestContext.Stage))
}

func (h *Handlers) notice(ctx context.Context, req events.APIGatewayWebsocketProxyRequest, level, message string) {
	n := h.notifierFor(req)
	if n == nil {
		return
	}
	payload, err := json.Marshal(shared.NewDebuggerInfo(level, message))
	if err != nil {
		return
	}
	if err := n.Notify(ctx, req.RequestContext.ConnectionID, payload); err != nil {
		shared.LogWarnf("Notice to %s failed: %v", req.RequestContext.ConnectionID, err)
	}
}

func (h *Handlers) closeConnection(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) {
	c, ok := h.notifierFor(req).(connectionCloser)
	if !ok {
		return
	}
	if err := c.Close(ctx, req.RequestContext.ConnectionID); err != nil {
		shared.LogWarnf("Closing %s failed: %v", req.RequestContext.ConnectionID, err)
	}
}

// CommandResult is returned by the instrumentation handler.
type CommandResult struct {
	StatusCode int               `json:"statusCode"`
	Body       string            `json:"body"`
	Updated    []string          `json:"updated,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// Instrumentation executes an asynchronous instrument/uninstrument command.
func (h *Handlers) Instrumentation(ctx context.Context, cmd instrument.Command) (CommandResult, error) {
	report, err := instrument.Execute(ctx, h.Instrumenter, cmd)
	if err != nil {
		shared.LogError(cmd.Command+" "+cmd.StackName, err)
		return CommandResult{StatusCode: shared.HTTPStatus(err), Body: err.Error()}, nil
	}

	res := CommandResult{StatusCode: http.StatusOK, Body: "Success", Updated: report.Updated}
	if len(report.Failed) > 0 {
		res.Failed = make(map[string]string, len(report.Failed))
		for fn, ferr := range report.Failed {
			res.Failed[fn] = ferr.Error()
		}
	}
	return res, nil
}
