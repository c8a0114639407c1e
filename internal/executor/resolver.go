package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"gopkg.in/yaml.v3"

	"github.com/dan-v/plldb/pkg/shared"
)

// Invocation is what a Target receives for one forwarded request.
type Invocation struct {
	RequestID    string
	FunctionName string
	LogicalID    string
	Event        []byte
	Environment  map[string]string
}

// Target runs the local code for one logical function.
type Target interface {
	Invoke(ctx context.Context, inv Invocation) ([]byte, error)
}

// Resolver maps a logical function id to runnable local code. Unknown ids
// return an error wrapping shared.ErrNotFound.
type Resolver interface {
	Resolve(logicalID string) (Target, error)
}

// StaticResolver serves in-process handlers keyed by logical id.
type StaticResolver map[string]lambda.Handler

func (s StaticResolver) Resolve(logicalID string) (Target, error) {
	h, ok := s[logicalID]
	if !ok {
		return nil, fmt.Errorf("no local handler for %s: %w", logicalID, shared.ErrNotFound)
	}
	return handlerTarget{h}, nil
}

type handlerTarget struct {
	handler lambda.Handler
}

func (t handlerTarget) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	ctx = lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       inv.RequestID,
		InvokedFunctionArn: inv.Environment["AWS_LAMBDA_FUNCTION_ARN"],
	})
	return t.handler.Invoke(ctx, inv.Event)
}

// ManifestEntry describes how to run one function locally.
type ManifestEntry struct {
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Manifest is the plldb-functions.yaml document.
type Manifest struct {
	Functions map[string]ManifestEntry `yaml:"functions"`
}

// ManifestResolver runs manifest entries as local processes.
type ManifestResolver struct {
	manifest Manifest
	baseDir  string

	// DefaultTimeout applies to entries without their own timeout.
	DefaultTimeout time.Duration
}

// LoadManifest reads a manifest file. Relative working directories are
// resolved against the manifest's own directory.
func LoadManifest(path string) (*ManifestResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	r, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return r, nil
}

// ParseManifest decodes and validates manifest data.
func ParseManifest(data []byte, baseDir string) (*ManifestResolver, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	for id, e := range m.Functions {
		if len(e.Command) == 0 || e.Command[0] == "" {
			return nil, fmt.Errorf("%w: function %s has no command", shared.ErrInvalidInput, id)
		}
		if e.Timeout < 0 {
			return nil, fmt.Errorf("%w: function %s has a negative timeout", shared.ErrInvalidInput, id)
		}
	}
	return &ManifestResolver{manifest: m, baseDir: baseDir}, nil
}

func (r *ManifestResolver) Resolve(logicalID string) (Target, error) {
	e, ok := r.manifest.Functions[logicalID]
	if !ok {
		return nil, fmt.Errorf("%s is not in the function manifest: %w", logicalID, shared.ErrNotFound)
	}
	dir := e.Dir
	if dir != "" && !filepath.IsAbs(dir) && r.baseDir != "" {
		dir = filepath.Join(r.baseDir, dir)
	}
	timeout := e.Timeout
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}
	return &ProcessRunner{
		Command: e.Command,
		Dir:     dir,
		Env:     e.Env,
		Timeout: timeout,
	}, nil
}

// LogicalIDs lists the manifest's functions, sorted.
func (r *ManifestResolver) LogicalIDs() []string {
	ids := make([]string, 0, len(r.manifest.Functions))
	for id := range r.manifest.Functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
