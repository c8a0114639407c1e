package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-v/plldb/pkg/shared"
)

func mockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := mockClock()
	s := NewMemorySessionStore(c)

	require.NoError(t, s.Create(ctx, &Session{SessionID: "s1", StackName: "stackX", Status: StatusPending, TTL: c.Now().Add(time.Hour).Unix()}))
	assert.ErrorIs(t, s.Create(ctx, &Session{SessionID: "s1", TTL: c.Now().Add(time.Hour).Unix()}), shared.ErrConditionFailed)

	require.NoError(t, s.Activate(ctx, "s1", "c1", c.Now().Add(time.Hour)))
	assert.ErrorIs(t, s.Activate(ctx, "s1", "c2", c.Now().Add(time.Hour)), shared.ErrConditionFailed, "activation happens exactly once")

	got, err := s.FindByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	assert.ErrorIs(t, s.Disconnect(ctx, "s1", "other", c.Now().Add(time.Hour)), shared.ErrConditionFailed)
	require.NoError(t, s.Disconnect(ctx, "s1", "c1", c.Now().Add(time.Hour)))

	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Empty(t, got.ConnectionID, "connection identity is only kept while ACTIVE")

	_, err = s.FindByConnection(ctx, "c1")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMemorySessionExpiry(t *testing.T) {
	ctx := context.Background()
	c := mockClock()
	s := NewMemorySessionStore(c)

	require.NoError(t, s.Create(ctx, &Session{SessionID: "s1", Status: StatusPending, TTL: c.Now().Add(time.Hour).Unix()}))
	c.Add(time.Hour + time.Second)

	_, err := s.Get(ctx, "s1")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// A reply and a timeout writer race on the same record; exactly one wins and
// the loser is dropped without error.
func TestCorrelationCompleteOnce(t *testing.T) {
	ctx := context.Background()
	c := mockClock()
	s := NewMemoryCorrelationStore(c)
	require.NoError(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", TTL: c.Now().Add(time.Hour).Unix()}))

	applied, err := s.Complete(ctx, "r1", Completion{StatusCode: 200, Response: "ok"}, c.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Complete(ctx, "r1", Completion{StatusCode: 504, ErrorMessage: shared.BridgeTimeoutMessage}, c.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, "ok", rec.Response)
	assert.Empty(t, rec.ErrorMessage)
}

// Lambda retries keep the request id, so a completed record is replaced.
func TestCorrelationCreateReusesCompletedID(t *testing.T) {
	ctx := context.Background()
	c := mockClock()
	s := NewMemoryCorrelationStore(c)
	require.NoError(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", Request: "first", TTL: c.Now().Add(time.Hour).Unix()}))
	assert.ErrorIs(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", TTL: c.Now().Add(time.Hour).Unix()}), shared.ErrConditionFailed)

	_, err := s.Complete(ctx, "r1", Completion{StatusCode: 504, ErrorMessage: shared.BridgeTimeoutMessage}, c.Now().Add(10*time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", Request: "retry", TTL: c.Now().Add(time.Hour).Unix()}))
	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "retry", rec.Request)
	assert.False(t, rec.Completed())
}

func TestCorrelationConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCorrelationStore(nil)
	require.NoError(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", TTL: time.Now().Add(time.Hour).Unix()}))

	var wg sync.WaitGroup
	wins := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Complete(ctx, "r1", Completion{StatusCode: 200 + i, Response: "x"}, time.Now().Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins <- 200 + i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], rec.StatusCode)
}

func TestCorrelationSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCorrelationStore(nil)
	env := map[string]string{"A": "1"}
	require.NoError(t, s.Create(ctx, &CorrelationRecord{RequestID: "r1", EnvironmentVariables: env, TTL: time.Now().Add(time.Hour).Unix()}))
	env["A"] = "mutated"

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.EnvironmentVariables["A"])
}

type fakeDynamo struct {
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	queries []*dynamodb.QueryInput
	item    map[string]*dynamodb.AttributeValue
	items   []map[string]*dynamodb.AttributeValue
	err     error
}

func (f *fakeDynamo) PutItemWithContext(_ context.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeDynamo) GetItemWithContext(_ context.Context, _ *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, f.err
}

func (f *fakeDynamo) UpdateItemWithContext(_ context.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeDynamo) QueryWithContext(_ context.Context, in *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	return &dynamodb.QueryOutput{Items: f.items}, f.err
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func TestDynamoSessionCreateIsConditional(t *testing.T) {
	f := &fakeDynamo{}
	s := NewDynamoSessionStore(f, "PLLDBSessions")

	require.NoError(t, s.Create(context.Background(), &Session{SessionID: "s1", StackName: "x", Status: StatusPending, TTL: 100}))
	require.Len(t, f.puts, 1)
	assert.Equal(t, "attribute_not_exists(SessionId)", aws.StringValue(f.puts[0].ConditionExpression))
	assert.Equal(t, "PENDING", aws.StringValue(f.puts[0].Item["Status"].S))
	_, hasConn := f.puts[0].Item["ConnectionId"]
	assert.False(t, hasConn, "pending sessions carry no connection identity")

	f.err = conditionFailed()
	assert.ErrorIs(t, s.Create(context.Background(), &Session{SessionID: "s1"}), shared.ErrConditionFailed)
}

func TestDynamoSessionGetNotFound(t *testing.T) {
	s := NewDynamoSessionStore(&fakeDynamo{}, "PLLDBSessions")
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDynamoSessionGetDecodes(t *testing.T) {
	item, err := dynamodbattribute.MarshalMap(Session{SessionID: "s1", StackName: "stackX", Status: StatusActive, ConnectionID: "c1", TTL: 42})
	require.NoError(t, err)
	s := NewDynamoSessionStore(&fakeDynamo{item: item}, "PLLDBSessions")

	got, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "stackX", got.StackName)
	assert.Equal(t, "c1", got.ConnectionID)
	assert.Equal(t, int64(42), got.TTL)
}

func TestDynamoSessionTransitions(t *testing.T) {
	f := &fakeDynamo{}
	s := NewDynamoSessionStore(f, "PLLDBSessions")
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "s1", "c1", time.Unix(500, 0)))
	require.NoError(t, s.Disconnect(ctx, "s1", "c1", time.Unix(900, 0)))
	require.Len(t, f.updates, 2)

	act := f.updates[0]
	assert.Contains(t, aws.StringValue(act.ConditionExpression), "#status = :pending")
	assert.Equal(t, "500", aws.StringValue(act.ExpressionAttributeValues[":ttl"].N))

	disc := f.updates[1]
	assert.Contains(t, aws.StringValue(disc.UpdateExpression), "REMOVE #conn")
	assert.Contains(t, aws.StringValue(disc.ConditionExpression), "#conn = :conn")

	f.err = conditionFailed()
	assert.ErrorIs(t, s.Activate(ctx, "s1", "c1", time.Unix(500, 0)), shared.ErrConditionFailed)
}

func TestDynamoFindByConnectionUsesIndex(t *testing.T) {
	item, _ := dynamodbattribute.MarshalMap(Session{SessionID: "s1", ConnectionID: "c1", Status: StatusActive})
	f := &fakeDynamo{items: []map[string]*dynamodb.AttributeValue{item}}
	s := NewDynamoSessionStore(f, "PLLDBSessions")

	got, err := s.FindByConnection(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, shared.ConnectionIndex, aws.StringValue(f.queries[0].IndexName))

	f.items = nil
	_, err = s.FindByConnection(context.Background(), "c1")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDynamoCompleteLosingWriterIsDropped(t *testing.T) {
	f := &fakeDynamo{}
	s := NewDynamoCorrelationStore(f, "PLLDBDebugger")

	applied, err := s.Complete(context.Background(), "r1", Completion{StatusCode: 200, Response: "ok"}, time.Unix(10, 0))
	require.NoError(t, err)
	assert.True(t, applied)
	upd := f.updates[0]
	assert.Contains(t, aws.StringValue(upd.ConditionExpression), "#sc = :zero")
	assert.Contains(t, aws.StringValue(upd.UpdateExpression), "#resp = :resp")
	assert.NotContains(t, aws.StringValue(upd.UpdateExpression), "#err")

	f.err = conditionFailed()
	applied, err = s.Complete(context.Background(), "r1", Completion{StatusCode: 504, ErrorMessage: "late"}, time.Unix(10, 0))
	assert.NoError(t, err)
	assert.False(t, applied)

	f.err = errors.New("connection reset")
	_, err = s.Complete(context.Background(), "r1", Completion{StatusCode: 504, ErrorMessage: "late"}, time.Unix(10, 0))
	assert.Error(t, err, "store connectivity failures surface")
}

func TestDynamoCorrelationRoundTrip(t *testing.T) {
	rec := &CorrelationRecord{
		RequestID:            "r1",
		SessionID:            "s1",
		ConnectionID:         "c1",
		Request:              `{"event":{},"context":{}}`,
		EnvironmentVariables: map[string]string{"A": "1"},
		TTL:                  99,
	}
	f := &fakeDynamo{}
	s := NewDynamoCorrelationStore(f, "PLLDBDebugger")
	require.NoError(t, s.Create(context.Background(), rec))
	assert.Equal(t, "0", aws.StringValue(f.puts[0].Item["StatusCode"].N))
	assert.Equal(t, "attribute_not_exists(RequestId) OR #sc <> :zero", aws.StringValue(f.puts[0].ConditionExpression))
	assert.Equal(t, "0", aws.StringValue(f.puts[0].ExpressionAttributeValues[":zero"].N))

	f.item = f.puts[0].Item
	got, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.False(t, got.Completed())
}
