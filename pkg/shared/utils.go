package shared

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateSessionID creates a unique session identifier
func GenerateSessionID() string {
	return uuid.NewString()
}

// BootstrapBucketName returns the per-account artifact bucket name.
func BootstrapBucketName(region, accountID string) string {
	return fmt.Sprintf(BootstrapBucketPattern, region, accountID)
}

// DebuggerRoleArn builds the ARN of the role assumed by the shim.
func DebuggerRoleArn(accountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, DebuggerRoleName)
}

// Snapshot copies an environment in KEY=VALUE form into a map. Later entries win.
func Snapshot(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
