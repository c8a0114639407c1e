package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sts"

	"github.com/dan-v/plldb/internal/config"
)

// CloudFormationAPI defines the interface for CloudFormation operations
type CloudFormationAPI interface {
	CreateStackWithContext(ctx context.Context, input *cloudformation.CreateStackInput, opts ...request.Option) (*cloudformation.CreateStackOutput, error)
	UpdateStackWithContext(ctx context.Context, input *cloudformation.UpdateStackInput, opts ...request.Option) (*cloudformation.UpdateStackOutput, error)
	DeleteStackWithContext(ctx context.Context, input *cloudformation.DeleteStackInput, opts ...request.Option) (*cloudformation.DeleteStackOutput, error)
	DescribeStacksWithContext(ctx context.Context, input *cloudformation.DescribeStacksInput, opts ...request.Option) (*cloudformation.DescribeStacksOutput, error)
	ListStackResourcesPagesWithContext(ctx context.Context, input *cloudformation.ListStackResourcesInput, fn func(*cloudformation.ListStackResourcesOutput, bool) bool, opts ...request.Option) error
}

// CloudWatchLogsAPI defines the interface for CloudWatch Logs operations
type CloudWatchLogsAPI interface {
	GetLogEventsWithContext(ctx context.Context, input *cloudwatchlogs.GetLogEventsInput, opts ...request.Option) (*cloudwatchlogs.GetLogEventsOutput, error)
	DescribeLogStreamsWithContext(ctx context.Context, input *cloudwatchlogs.DescribeLogStreamsInput, opts ...request.Option) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	DeleteLogGroupWithContext(ctx context.Context, input *cloudwatchlogs.DeleteLogGroupInput, opts ...request.Option) (*cloudwatchlogs.DeleteLogGroupOutput, error)
}

// LambdaAPI defines the interface for Lambda operations
type LambdaAPI interface {
	GetFunctionConfigurationWithContext(ctx context.Context, input *lambda.GetFunctionConfigurationInput, opts ...request.Option) (*lambda.FunctionConfiguration, error)
	UpdateFunctionConfigurationWithContext(ctx context.Context, input *lambda.UpdateFunctionConfigurationInput, opts ...request.Option) (*lambda.FunctionConfiguration, error)
	InvokeWithContext(ctx context.Context, input *lambda.InvokeInput, opts ...request.Option) (*lambda.InvokeOutput, error)
}

// S3API defines the interface for S3 operations
type S3API interface {
	HeadBucketWithContext(ctx context.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error)
	CreateBucketWithContext(ctx context.Context, input *s3.CreateBucketInput, opts ...request.Option) (*s3.CreateBucketOutput, error)
	PutPublicAccessBlockWithContext(ctx context.Context, input *s3.PutPublicAccessBlockInput, opts ...request.Option) (*s3.PutPublicAccessBlockOutput, error)
	DeleteBucketWithContext(ctx context.Context, input *s3.DeleteBucketInput, opts ...request.Option) (*s3.DeleteBucketOutput, error)
	ListObjectsV2WithContext(ctx context.Context, input *s3.ListObjectsV2Input, opts ...request.Option) (*s3.ListObjectsV2Output, error)
	DeleteObjectsWithContext(ctx context.Context, input *s3.DeleteObjectsInput, opts ...request.Option) (*s3.DeleteObjectsOutput, error)
	PutObjectWithContext(ctx context.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// STSAPI defines the interface for STS operations
type STSAPI interface {
	GetCallerIdentityWithContext(ctx context.Context, input *sts.GetCallerIdentityInput, opts ...request.Option) (*sts.GetCallerIdentityOutput, error)
}

// DynamoDBAPI covers the item operations used by the session and correlation stores.
type DynamoDBAPI interface {
	PutItemWithContext(ctx context.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error)
	GetItemWithContext(ctx context.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
	UpdateItemWithContext(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error)
	QueryWithContext(ctx context.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error)
}

// ManagementAPI is the WebSocket connection management surface of API Gateway.
type ManagementAPI interface {
	PostToConnectionWithContext(ctx context.Context, input *apigatewaymanagementapi.PostToConnectionInput, opts ...request.Option) (*apigatewaymanagementapi.PostToConnectionOutput, error)
	DeleteConnectionWithContext(ctx context.Context, input *apigatewaymanagementapi.DeleteConnectionInput, opts ...request.Option) (*apigatewaymanagementapi.DeleteConnectionOutput, error)
}

// ClientFactory creates and manages AWS service clients
type ClientFactory struct {
	session   *session.Session
	accountID string
	mu        sync.RWMutex
}

// Clients holds all AWS service clients
type Clients struct {
	CloudFormation CloudFormationAPI
	CloudWatchLogs CloudWatchLogsAPI
	Lambda         LambdaAPI
	S3             S3API
	STS            STSAPI
	DynamoDB       DynamoDBAPI
	AccountID      string
	Region         string
}

func defaultRetryer() client.DefaultRetryer {
	return client.DefaultRetryer{
		NumMaxRetries:    5,
		MinRetryDelay:    100 * time.Millisecond,
		MinThrottleDelay: 500 * time.Millisecond,
		MaxRetryDelay:    5 * time.Second,
		MaxThrottleDelay: 30 * time.Second,
	}
}

// NewClientFactory creates a new AWS client factory for the CLI
func NewClientFactory(cfg *config.CLIConfig) (*ClientFactory, error) {
	awsConfig := &aws.Config{
		Region:  aws.String(cfg.AWS.Region),
		Retryer: defaultRetryer(),
	}

	sessionOpts := session.Options{
		Config:            *awsConfig,
		SharedConfigState: session.SharedConfigEnable,
	}
	if cfg.AWS.Profile != "" {
		sessionOpts.Profile = cfg.AWS.Profile
	}

	sess, err := session.NewSessionWithOptions(sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &ClientFactory{session: sess}, nil
}

// NewClientFactoryFromSession wraps an existing session, as used inside Lambda.
func NewClientFactoryFromSession(sess *session.Session) *ClientFactory {
	return &ClientFactory{session: sess.Copy(&aws.Config{Retryer: defaultRetryer()})}
}

// Session exposes the underlying session for credential derivation.
func (f *ClientFactory) Session() *session.Session {
	return f.session
}

// GetClients returns all AWS service clients. The account id is resolved lazily
// and left empty if STS is unreachable.
func (f *ClientFactory) GetClients() *Clients {
	accountID, _ := f.GetAccountID(context.Background())

	return &Clients{
		CloudFormation: cloudformation.New(f.session),
		CloudWatchLogs: cloudwatchlogs.New(f.session),
		Lambda:         lambda.New(f.session),
		S3:             s3.New(f.session),
		STS:            sts.New(f.session),
		DynamoDB:       dynamodb.New(f.session),
		AccountID:      accountID,
		Region:         f.GetRegion(),
	}
}

// ManagementClient returns a connection management client bound to a
// WebSocket API stage endpoint (https://{api-id}.execute-api.{region}.amazonaws.com/{stage}).
func (f *ClientFactory) ManagementClient(endpoint string) ManagementAPI {
	return apigatewaymanagementapi.New(f.session, aws.NewConfig().WithEndpoint(endpoint))
}

// GetAccountID returns the AWS account ID, caching the result
func (f *ClientFactory) GetAccountID(ctx context.Context) (string, error) {
	f.mu.RLock()
	if f.accountID != "" {
		accountID := f.accountID
		f.mu.RUnlock()
		return accountID, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.accountID != "" {
		return f.accountID, nil
	}

	result, err := sts.New(f.session).GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok {
			switch awsErr.Code() {
			case "NoCredentialProviders", "NoCredentialsErr":
				return "", fmt.Errorf("AWS credentials not found. Please run 'aws configure' or set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables")
			case "ExpiredToken", "TokenRefreshRequired":
				return "", fmt.Errorf("AWS credentials have expired. Please refresh your credentials or run 'aws sso login' if using SSO")
			case "InvalidClientTokenId":
				return "", fmt.Errorf("AWS credentials are invalid. Please check your AWS access key and secret key")
			default:
				return "", fmt.Errorf("AWS credential validation failed (%s): %v\n\n🔧 Troubleshooting:\n- Verify AWS credentials: aws sts get-caller-identity\n- Check region setting: %s", awsErr.Code(), awsErr.Message(), f.GetRegion())
			}
		}
		return "", fmt.Errorf("failed to validate AWS credentials: %w", err)
	}

	if result.Account == nil {
		return "", fmt.Errorf("account ID not found in caller identity")
	}

	f.accountID = *result.Account
	return f.accountID, nil
}

// ValidateCredentials checks if AWS credentials are valid
func (f *ClientFactory) ValidateCredentials(ctx context.Context) error {
	_, err := f.GetAccountID(ctx)
	return err
}

// GetRegion returns the configured AWS region
func (f *ClientFactory) GetRegion() string {
	return aws.StringValue(f.session.Config.Region)
}

// WaitForOperation waits for an AWS operation to complete using exponential backoff
func WaitForOperation(ctx context.Context, checkFn func() (bool, error), maxWait time.Duration) error {
	return waitWithBackoff(ctx, checkFn, maxWait, 2*time.Second, 30*time.Second)
}

func waitWithBackoff(ctx context.Context, checkFn func() (bool, error), maxWait, backoff, maxBackoff time.Duration) error {
	deadline := time.Now().Add(maxWait)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("operation timeout after %v", maxWait)
		}

		done, err := checkFn()
		if err != nil {
			return fmt.Errorf("operation check failed: %w", err)
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// StackOutputs returns the outputs of stackName keyed by OutputKey.
func StackOutputs(ctx context.Context, cfn CloudFormationAPI, stackName string) (map[string]string, error) {
	out, err := cfn.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]string)
	for _, stack := range out.Stacks {
		for _, o := range stack.Outputs {
			if key, value := aws.StringValue(o.OutputKey), aws.StringValue(o.OutputValue); key != "" && value != "" {
				outputs[key] = value
			}
		}
	}
	return outputs, nil
}
