package shared

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
)

// CreateAWSSession creates a new AWS session with the specified region.
// An empty region falls back to AWS_REGION, then the package default.
func CreateAWSSession(region string) (*session.Session, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = DefaultAWSRegion
	}
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

// AssumeRoleSession returns a session whose credentials come from assuming
// roleArn with the given external id. Credentials refresh on expiry.
func AssumeRoleSession(base *session.Session, roleArn, externalID, sessionName string) *session.Session {
	creds := stscreds.NewCredentials(base, roleArn, func(p *stscreds.AssumeRoleProvider) {
		p.ExternalID = aws.String(externalID)
		if sessionName != "" {
			p.RoleSessionName = sessionName
		}
	})
	return base.Copy(&aws.Config{Credentials: creds})
}
