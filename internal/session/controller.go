// Package session implements the attach lifecycle: creating sessions,
// authorizing push-channel connections and moving sessions through
// PENDING, ACTIVE and DISCONNECTED while instrumenting the owning stack.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/dan-v/plldb/internal/instrument"
	"github.com/dan-v/plldb/internal/store"
	"github.com/dan-v/plldb/pkg/shared"
)

// Decision is the outcome of a connect authorization. Context is handed back
// to the gateway and forwarded to the connect route.
type Decision struct {
	Allow   bool
	Context map[string]string
}

// Deny is the zero decision.
var Deny = Decision{}

// Controller drives session state transitions.
type Controller struct {
	sessions     store.SessionStore
	instrumenter instrument.Instrumenter
	clock        clock.Clock
	newID        func() string
}

// NewController creates a lifecycle controller. A nil clock uses the wall clock.
func NewController(sessions store.SessionStore, inst instrument.Instrumenter, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		sessions:     sessions,
		instrumenter: inst,
		clock:        clk,
		newID:        shared.GenerateSessionID,
	}
}

// CreateSession stores a new PENDING session for stackName and returns its id.
// Nothing is instrumented until the debugger connects.
func (c *Controller) CreateSession(ctx context.Context, stackName string) (string, error) {
	stackName = strings.TrimSpace(stackName)
	if stackName == "" {
		return "", fmt.Errorf("%w: stackName is required", shared.ErrInvalidInput)
	}

	s := &store.Session{
		SessionID: c.newID(),
		StackName: stackName,
		Status:    store.StatusPending,
		TTL:       c.expiry(),
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	shared.LogSuccessf("Created session %s for stack %s", s.SessionID, stackName)
	return s.SessionID, nil
}

// AuthorizeConnect allows a connection only for a known PENDING session.
// Store failures degrade to a deny.
func (c *Controller) AuthorizeConnect(ctx context.Context, sessionID string) Decision {
	if sessionID == "" {
		shared.LogWarnf("Connect denied: no session id")
		return Deny
	}

	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			shared.LogError("authorize connect", err)
		}
		shared.LogWarnf("Connect denied for session %s", sessionID)
		return Deny
	}
	if s.Status != store.StatusPending {
		shared.LogWarnf("Connect denied for session %s in status %s", sessionID, s.Status)
		return Deny
	}

	return Decision{Allow: true, Context: map[string]string{"sessionId": sessionID}}
}

// OnConnect activates the session and instruments its stack. Instrumentation
// problems are logged and never fail the connect.
func (c *Controller) OnConnect(ctx context.Context, sessionID, connectionID string) error {
	if sessionID == "" || connectionID == "" {
		return fmt.Errorf("%w: session id and connection id are required", shared.ErrInvalidInput)
	}

	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if s.Status != store.StatusPending {
		return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, shared.ErrInvalidState)
	}

	if err := c.sessions.Activate(ctx, sessionID, connectionID, c.clock.Now().Add(shared.SessionTTL)); err != nil {
		if errors.Is(err, shared.ErrConditionFailed) {
			return fmt.Errorf("session %s is no longer pending: %w", sessionID, shared.ErrInvalidState)
		}
		return fmt.Errorf("activate session %s: %w", sessionID, err)
	}
	shared.LogConnectionf("Session %s active on connection %s", sessionID, connectionID)

	report, err := c.instrumenter.Instrument(ctx, s.StackName, sessionID, connectionID)
	if err != nil {
		shared.LogError("instrument "+s.StackName, err)
		return nil
	}
	if ferr := report.Err(); ferr != nil {
		shared.LogWarnf("Stack %s partially instrumented: %v", s.StackName, ferr)
	}
	return nil
}

// OnDisconnect marks the session owning connectionID as DISCONNECTED and
// removes the instrumentation. Unknown or stale connections are a no-op.
func (c *Controller) OnDisconnect(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return nil
	}

	s, err := c.sessions.FindByConnection(ctx, connectionID)
	if errors.Is(err, shared.ErrNotFound) {
		shared.LogDebugf("No session for connection %s", connectionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find session for connection %s: %w", connectionID, err)
	}

	err = c.sessions.Disconnect(ctx, s.SessionID, connectionID, c.clock.Now().Add(shared.SessionTTL))
	switch {
	case errors.Is(err, shared.ErrConditionFailed), errors.Is(err, shared.ErrNotFound):
		shared.LogDebugf("Session %s already disconnected", s.SessionID)
		return nil
	case err != nil:
		return fmt.Errorf("disconnect session %s: %w", s.SessionID, err)
	}
	shared.LogClosef("Session %s disconnected", s.SessionID)

	report, err := c.instrumenter.Deinstrument(ctx, s.StackName)
	if err != nil {
		shared.LogError("deinstrument "+s.StackName, err)
		return nil
	}
	if ferr := report.Err(); ferr != nil {
		shared.LogWarnf("Stack %s partially deinstrumented: %v", s.StackName, ferr)
	}
	return nil
}

func (c *Controller) expiry() int64 {
	return c.clock.Now().Add(shared.SessionTTL).Unix()
}
