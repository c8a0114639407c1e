package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// Inventory maps the deployed (physical) name of every function in a stack
// to its logical id in the template.
type Inventory struct {
	stackName  string
	byPhysical map[string]string
}

// NewInventory builds an inventory from a physical → logical mapping.
func NewInventory(stackName string, physicalToLogical map[string]string) *Inventory {
	m := make(map[string]string, len(physicalToLogical))
	for k, v := range physicalToLogical {
		m[k] = v
	}
	return &Inventory{stackName: stackName, byPhysical: m}
}

// LoadInventory lists the Lambda functions of stackName once.
func LoadInventory(ctx context.Context, cfn awsclients.CloudFormationAPI, stackName string) (*Inventory, error) {
	inv := &Inventory{stackName: stackName, byPhysical: make(map[string]string)}
	err := cfn.ListStackResourcesPagesWithContext(ctx, &cloudformation.ListStackResourcesInput{
		StackName: aws.String(stackName),
	}, func(page *cloudformation.ListStackResourcesOutput, _ bool) bool {
		for _, r := range page.StackResourceSummaries {
			if aws.StringValue(r.ResourceType) != shared.LambdaFunctionType {
				continue
			}
			physical, logical := aws.StringValue(r.PhysicalResourceId), aws.StringValue(r.LogicalResourceId)
			if physical == "" || logical == "" {
				continue
			}
			inv.byPhysical[physical] = logical
		}
		return true
	})
	if err != nil {
		return nil, shared.Upstream(fmt.Sprintf("list resources of stack %s", stackName), err)
	}
	shared.LogStoragef("Loaded %d functions from stack %s", len(inv.byPhysical), stackName)
	return inv, nil
}

// LogicalID resolves a function name or function ARN.
func (i *Inventory) LogicalID(functionName string) (string, bool) {
	if logical, ok := i.byPhysical[functionName]; ok {
		return logical, true
	}
	// arn:aws:lambda:region:account:function:name[:qualifier]
	if parts := strings.Split(functionName, ":"); len(parts) >= 7 && parts[5] == "function" {
		logical, ok := i.byPhysical[parts[6]]
		return logical, ok
	}
	return "", false
}

// Functions returns the physical names, sorted.
func (i *Inventory) Functions() []string {
	names := make([]string, 0, len(i.byPhysical))
	for k := range i.byPhysical {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (i *Inventory) Len() int { return len(i.byPhysical) }

func (i *Inventory) StackName() string { return i.stackName }
