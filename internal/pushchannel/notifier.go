// Package pushchannel carries messages between the control plane and the
// debugger client over the API Gateway WebSocket API.
package pushchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

// ErrGone is returned when the target connection no longer exists.
var ErrGone = fmt.Errorf("connection gone: %w", shared.ErrNotFound)

// ManagementNotifier posts messages to connections through the management API.
type ManagementNotifier struct {
	client awsclients.ManagementAPI
}

// NewManagementNotifier wraps a management API client.
func NewManagementNotifier(client awsclients.ManagementAPI) *ManagementNotifier {
	return &ManagementNotifier{client: client}
}

// Notify sends payload to connectionID.
func (n *ManagementNotifier) Notify(ctx context.Context, connectionID string, payload []byte) error {
	start := time.Now()
	_, err := n.client.PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	metrics.RecordAWSAPILatency(time.Since(start))
	if err != nil {
		if shared.AWSErrorCode(err) == apigatewaymanagementapi.ErrCodeGoneException {
			return fmt.Errorf("post to %s: %w", connectionID, ErrGone)
		}
		return shared.Upstream("post to connection "+connectionID, err)
	}
	return nil
}

// Close terminates connectionID from the server side. A gone connection is not an error.
func (n *ManagementNotifier) Close(ctx context.Context, connectionID string) error {
	_, err := n.client.DeleteConnectionWithContext(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(connectionID),
	})
	if err != nil && shared.AWSErrorCode(err) != apigatewaymanagementapi.ErrCodeGoneException {
		return shared.Upstream("delete connection "+connectionID, err)
	}
	return nil
}
