// Package store holds the two keyed, TTL-expiring record stores shared by the
// control plane and the runtime shim: debug sessions and per-invocation
// correlation records. Every state transition is a conditional write so that
// concurrent writers resolve deterministically.
package store

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of a debug session.
type SessionStatus string

const (
	StatusPending      SessionStatus = "PENDING"
	StatusActive       SessionStatus = "ACTIVE"
	StatusDisconnected SessionStatus = "DISCONNECTED"
)

// Session is one attach-to-detach engagement scoped to one target stack.
// ConnectionID is set only while the session is ACTIVE.
type Session struct {
	SessionID    string        `dynamodbav:"SessionId" json:"sessionId"`
	StackName    string        `dynamodbav:"StackName" json:"stackName"`
	ConnectionID string        `dynamodbav:"ConnectionId,omitempty" json:"connectionId,omitempty"`
	Status       SessionStatus `dynamodbav:"Status" json:"status"`
	TTL          int64         `dynamodbav:"TTL" json:"ttl"`
}

// ExpiresAt converts the TTL attribute to a time.
func (s *Session) ExpiresAt() time.Time {
	return time.Unix(s.TTL, 0)
}

// CorrelationRecord pairs one intercepted invocation with its eventual result.
// StatusCode 0 means pending; it is written away from 0 exactly once.
type CorrelationRecord struct {
	RequestID            string            `dynamodbav:"RequestId"`
	SessionID            string            `dynamodbav:"SessionId"`
	ConnectionID         string            `dynamodbav:"ConnectionId"`
	Request              string            `dynamodbav:"Request"`
	EnvironmentVariables map[string]string `dynamodbav:"EnvironmentVariables"`
	StatusCode           int               `dynamodbav:"StatusCode"`
	Response             string            `dynamodbav:"Response,omitempty"`
	ErrorMessage         string            `dynamodbav:"ErrorMessage,omitempty"`
	TTL                  int64             `dynamodbav:"TTL"`
}

// Completed reports whether a reply or timeout has been recorded.
func (r *CorrelationRecord) Completed() bool {
	return r.StatusCode != 0
}

// Completion is the single terminal write applied to a correlation record.
type Completion struct {
	StatusCode   int
	Response     string
	ErrorMessage string
}

// SessionStore persists sessions. Transitions fail with shared.ErrConditionFailed
// when the stored status does not match the expected one.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Activate(ctx context.Context, sessionID, connectionID string, expiresAt time.Time) error
	Disconnect(ctx context.Context, sessionID, connectionID string, expiresAt time.Time) error
	FindByConnection(ctx context.Context, connectionID string) (*Session, error)
}

// CorrelationStore persists correlation records. Create replaces a completed
// record with the same id and fails with shared.ErrConditionFailed while one is
// still pending. Complete returns false when another writer already completed
// the record; that is not an error.
type CorrelationStore interface {
	Create(ctx context.Context, r *CorrelationRecord) error
	Get(ctx context.Context, requestID string) (*CorrelationRecord, error)
	Complete(ctx context.Context, requestID string, c Completion, expiresAt time.Time) (bool, error)
}
