package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// translate maps DynamoDB failures onto the shared error classes.
func translate(op string, err error) error {
	if shared.AWSErrorCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
		return fmt.Errorf("%s: %w", op, shared.ErrConditionFailed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func epoch(t time.Time) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(t.Unix(), 10))}
}

func str(s string) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{S: aws.String(s)}
}

// DynamoSessionStore is the SessionStore backed by the PLLDBSessions table.
type DynamoSessionStore struct {
	client awsclients.DynamoDBAPI
	table  string
	index  string
}

// NewDynamoSessionStore creates a session store on table, using the
// connection GSI for disconnect lookups.
func NewDynamoSessionStore(client awsclients.DynamoDBAPI, table string) *DynamoSessionStore {
	return &DynamoSessionStore{client: client, table: table, index: shared.ConnectionIndex}
}

func (d *DynamoSessionStore) Create(ctx context.Context, s *Session) error {
	item, err := dynamodbattribute.MarshalMap(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(SessionId)"),
	})
	if err != nil {
		return translate("put session", err)
	}
	return nil
}

func (d *DynamoSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]*dynamodb.AttributeValue{"SessionId": str(sessionID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, translate("get session", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, shared.ErrNotFound)
	}
	var s Session
	if err := dynamodbattribute.UnmarshalMap(out.Item, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (d *DynamoSessionStore) Activate(ctx context.Context, sessionID, connectionID string, expiresAt time.Time) error {
	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 map[string]*dynamodb.AttributeValue{"SessionId": str(sessionID)},
		UpdateExpression:    aws.String("SET #status = :active, #conn = :conn, #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(SessionId) AND #status = :pending"),
		ExpressionAttributeNames: map[string]*string{
			"#status": aws.String("Status"),
			"#conn":   aws.String("ConnectionId"),
			"#ttl":    aws.String("TTL"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":active":  str(string(StatusActive)),
			":pending": str(string(StatusPending)),
			":conn":    str(connectionID),
			":ttl":     epoch(expiresAt),
		},
	})
	if err != nil {
		return translate("activate session", err)
	}
	return nil
}

func (d *DynamoSessionStore) Disconnect(ctx context.Context, sessionID, connectionID string, expiresAt time.Time) error {
	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 map[string]*dynamodb.AttributeValue{"SessionId": str(sessionID)},
		UpdateExpression:    aws.String("SET #status = :disconnected, #ttl = :ttl REMOVE #conn"),
		ConditionExpression: aws.String("#status = :active AND #conn = :conn"),
		ExpressionAttributeNames: map[string]*string{
			"#status": aws.String("Status"),
			"#conn":   aws.String("ConnectionId"),
			"#ttl":    aws.String("TTL"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":disconnected": str(string(StatusDisconnected)),
			":active":       str(string(StatusActive)),
			":conn":         str(connectionID),
			":ttl":          epoch(expiresAt),
		},
	})
	if err != nil {
		return translate("disconnect session", err)
	}
	return nil
}

func (d *DynamoSessionStore) FindByConnection(ctx context.Context, connectionID string) (*Session, error) {
	out, err := d.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(d.table),
		IndexName:                aws.String(d.index),
		KeyConditionExpression:   aws.String("#conn = :conn"),
		ExpressionAttributeNames: map[string]*string{"#conn": aws.String("ConnectionId")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":conn": str(connectionID),
		},
		Limit: aws.Int64(1),
	})
	if err != nil {
		return nil, translate("query sessions by connection", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("connection %s: %w", connectionID, shared.ErrNotFound)
	}
	var s Session
	if err := dynamodbattribute.UnmarshalMap(out.Items[0], &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// DynamoCorrelationStore is the CorrelationStore backed by the PLLDBDebugger table.
type DynamoCorrelationStore struct {
	client awsclients.DynamoDBAPI
	table  string
}

// NewDynamoCorrelationStore creates a correlation store on table.
func NewDynamoCorrelationStore(client awsclients.DynamoDBAPI, table string) *DynamoCorrelationStore {
	return &DynamoCorrelationStore{client: client, table: table}
}

func (d *DynamoCorrelationStore) Create(ctx context.Context, r *CorrelationRecord) error {
	item, err := dynamodbattribute.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("marshal correlation record: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		// A retried invocation reuses its request id; only a pending record blocks it.
		ConditionExpression:       aws.String("attribute_not_exists(RequestId) OR #sc <> :zero"),
		ExpressionAttributeNames:  map[string]*string{"#sc": aws.String("StatusCode")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{":zero": {N: aws.String("0")}},
	})
	if err != nil {
		return translate("put correlation record", err)
	}
	return nil
}

func (d *DynamoCorrelationStore) Get(ctx context.Context, requestID string) (*CorrelationRecord, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]*dynamodb.AttributeValue{"RequestId": str(requestID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, translate("get correlation record", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("request %s: %w", requestID, shared.ErrNotFound)
	}
	var r CorrelationRecord
	if err := dynamodbattribute.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal correlation record: %w", err)
	}
	return &r, nil
}

func (d *DynamoCorrelationStore) Complete(ctx context.Context, requestID string, c Completion, expiresAt time.Time) (bool, error) {
	sets := []string{"#sc = :sc", "#ttl = :ttl"}
	names := map[string]*string{
		"#sc":  aws.String("StatusCode"),
		"#ttl": aws.String("TTL"),
	}
	values := map[string]*dynamodb.AttributeValue{
		":sc":   {N: aws.String(strconv.Itoa(c.StatusCode))},
		":zero": {N: aws.String("0")},
		":ttl":  epoch(expiresAt),
	}
	if c.Response != "" {
		sets = append(sets, "#resp = :resp")
		names["#resp"] = aws.String("Response")
		values[":resp"] = str(c.Response)
	}
	if c.ErrorMessage != "" {
		sets = append(sets, "#err = :err")
		names["#err"] = aws.String("ErrorMessage")
		values[":err"] = str(c.ErrorMessage)
	}

	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       map[string]*dynamodb.AttributeValue{"RequestId": str(requestID)},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(RequestId) AND #sc = :zero"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if shared.AWSErrorCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}
		return false, translate("complete correlation record", err)
	}
	return true, nil
}
