package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetCloudFormationTemplate(t *testing.T) {
	params := TemplateParams{
		StackName:      "test-stack",
		ArtifactBucket: "plldb-core-infrastructure-us-west-2-123456789012",
	}

	template, err := GetCloudFormationTemplate(params, "")
	if err != nil {
		t.Fatalf("Expected no error getting template, got %v", err)
	}

	if !strings.Contains(template, "AWSTemplateFormatVersion") {
		t.Error("Expected template to contain AWSTemplateFormatVersion")
	}
	if !strings.Contains(template, "plldb-core-infrastructure-us-west-2-123456789012") {
		t.Error("Expected template to contain the artifact bucket")
	}
	if !strings.Contains(template, "'"+ControlPlaneArtifact+"'") || !strings.Contains(template, "'"+LayerArtifact+"'") {
		t.Error("Expected default artifact keys to be substituted")
	}
	if strings.Contains(template, "{{") {
		t.Error("Expected no unrendered template actions")
	}
}

func TestEmbeddedTemplateResources(t *testing.T) {
	template, err := GetCloudFormationTemplate(TemplateParams{StackName: "s", ArtifactBucket: "b"}, "")
	if err != nil {
		t.Fatalf("Expected no error getting template, got %v", err)
	}

	resources, err := TemplateResources(template)
	if err != nil {
		t.Fatalf("Expected no error listing resources, got %v", err)
	}

	expected := map[string]string{
		"SessionsTable":           "AWS::DynamoDB::Table",
		"DebuggerTable":           "AWS::DynamoDB::Table",
		"DebuggerLayer":           "AWS::Lambda::LayerVersion",
		"DebuggerRole":            "AWS::IAM::Role",
		"RestApiFunction":         "AWS::Lambda::Function",
		"AuthorizeFunction":       "AWS::Lambda::Function",
		"ConnectFunction":         "AWS::Lambda::Function",
		"DisconnectFunction":      "AWS::Lambda::Function",
		"DefaultFunction":         "AWS::Lambda::Function",
		"InstrumentationFunction": "AWS::Lambda::Function",
		"WebSocketApi":            "AWS::ApiGatewayV2::Api",
		"WebSocketAuthorizer":     "AWS::ApiGatewayV2::Authorizer",
		"RestApi":                 "AWS::ApiGateway::RestApi",
	}
	for id, typ := range expected {
		if got := resources[id]; got != typ {
			t.Errorf("resource %s: expected type %s, got %q", id, typ, got)
		}
	}

	for _, key := range []string{"RestApiUrl", "WebSocketUrl", "WebSocketManagementEndpoint", "DebuggerLayerArn", "DebuggerRoleArn"} {
		if !strings.Contains(template, "  "+key+":") {
			t.Errorf("Expected template output %s", key)
		}
	}
}

func TestGetCloudFormationTemplateWithCustomFile(t *testing.T) {
	tempDir := t.TempDir()
	customTemplatePath := filepath.Join(tempDir, "custom.yaml")

	customContent := `AWSTemplateFormatVersion: '2010-09-09'
Description: Custom test template for {{.StackName}}
Resources:
  TestResource:
    Type: AWS::S3::Bucket
`
	if err := os.WriteFile(customTemplatePath, []byte(customContent), 0644); err != nil {
		t.Fatalf("Failed to create custom template file: %v", err)
	}

	template, err := GetCloudFormationTemplate(TemplateParams{StackName: "test-stack"}, customTemplatePath)
	if err != nil {
		t.Fatalf("Expected no error getting custom template, got %v", err)
	}
	if !strings.Contains(template, "Custom test template for test-stack") {
		t.Error("Expected template to contain substituted stack name")
	}
}

func TestGetCloudFormationTemplateWithMissingFile(t *testing.T) {
	_, err := GetCloudFormationTemplate(TemplateParams{StackName: "test-stack"}, "nonexistent.yaml")
	if err == nil {
		t.Error("Expected error for missing template file")
	}
}

func TestGetCloudFormationTemplateUnknownParameter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("Stack: {{.Nope}}\n"), 0644); err != nil {
		t.Fatalf("Failed to create custom template file: %v", err)
	}

	if _, err := GetCloudFormationTemplate(TemplateParams{}, path); err == nil {
		t.Error("Expected error for unknown template parameter")
	}
}

func TestValidateTemplate(t *testing.T) {
	validTemplate := `AWSTemplateFormatVersion: '2010-09-09'
Description: Test template
Resources:
  TestBucket:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: !Sub '${AWS::StackName}-bucket'
`
	if err := ValidateTemplate(validTemplate); err != nil {
		t.Errorf("Expected no error for valid template, got %v", err)
	}

	invalid := map[string]string{
		"missing sections": `Description: Missing AWSTemplateFormatVersion and Resources`,
		"empty resources":  "AWSTemplateFormatVersion: '2010-09-09'\nResources: {}\n",
		"not yaml":         "AWSTemplateFormatVersion: [\n",
	}
	for name, content := range invalid {
		if err := ValidateTemplate(content); err == nil {
			t.Errorf("%s: expected error for invalid template", name)
		}
	}
}

func TestSubstituteTemplateParams(t *testing.T) {
	templateContent := `Stack: {{.StackName}}
Bucket: {{.ArtifactBucket}}
`
	params := TemplateParams{
		StackName:      "my-stack",
		ArtifactBucket: "my-bucket",
	}

	result, err := substituteTemplateParams(templateContent, params)
	if err != nil {
		t.Fatalf("Expected no error substituting params, got %v", err)
	}
	if result != "Stack: my-stack\nBucket: my-bucket\n" {
		t.Errorf("Unexpected substitution result: %q", result)
	}
}
