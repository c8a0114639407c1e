package deploy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed infrastructure.yaml
var embeddedTemplate string

// Artifact object keys inside the bootstrap bucket.
const (
	ControlPlaneArtifact = "plldb-control.zip"
	LayerArtifact        = "plldb-debugger-layer.zip"
)

// TemplateParams holds parameters for CloudFormation template substitution
type TemplateParams struct {
	StackName       string
	ArtifactBucket  string
	ControlPlaneKey string
	LayerKey        string
}

func (p *TemplateParams) defaults() {
	if p.ControlPlaneKey == "" {
		p.ControlPlaneKey = ControlPlaneArtifact
	}
	if p.LayerKey == "" {
		p.LayerKey = LayerArtifact
	}
}

// GetCloudFormationTemplate renders the embedded template, or the file at
// customTemplatePath when given.
func GetCloudFormationTemplate(params TemplateParams, customTemplatePath string) (string, error) {
	templateContent := embeddedTemplate
	if customTemplatePath != "" {
		content, err := os.ReadFile(customTemplatePath)
		if err != nil {
			return "", fmt.Errorf("failed to read custom template file %s: %w", customTemplatePath, err)
		}
		templateContent = string(content)
	}

	params.defaults()
	rendered, err := substituteTemplateParams(templateContent, params)
	if err != nil {
		return "", fmt.Errorf("failed to substitute template parameters: %w", err)
	}
	if err := ValidateTemplate(rendered); err != nil {
		return "", err
	}
	return rendered, nil
}

// substituteTemplateParams performs basic parameter substitution in the template
func substituteTemplateParams(templateContent string, params TemplateParams) (string, error) {
	tmpl, err := template.New("cloudformation").Option("missingkey=error").Parse(templateContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var result strings.Builder
	if err := tmpl.Execute(&result, params); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return result.String(), nil
}

type templateDoc struct {
	FormatVersion string               `yaml:"AWSTemplateFormatVersion"`
	Resources     map[string]yaml.Node `yaml:"Resources"`
	Outputs       map[string]yaml.Node `yaml:"Outputs"`
}

// ValidateTemplate parses the template and checks the required sections.
// CloudFormation short-form tags (!Ref, !Sub, ...) are accepted as opaque nodes.
func ValidateTemplate(templateContent string) error {
	var doc templateDoc
	if err := yaml.Unmarshal([]byte(templateContent), &doc); err != nil {
		return fmt.Errorf("template is not valid YAML: %w", err)
	}
	if doc.FormatVersion == "" {
		return fmt.Errorf("template missing required section: AWSTemplateFormatVersion")
	}
	if len(doc.Resources) == 0 {
		return fmt.Errorf("template missing required section: Resources")
	}
	return nil
}

// TemplateResources returns resource logical ids mapped to their types.
func TemplateResources(templateContent string) (map[string]string, error) {
	var doc struct {
		Resources map[string]struct {
			Type string `yaml:"Type"`
		} `yaml:"Resources"`
	}
	if err := yaml.Unmarshal([]byte(templateContent), &doc); err != nil {
		return nil, fmt.Errorf("template is not valid YAML: %w", err)
	}
	out := make(map[string]string, len(doc.Resources))
	for id, r := range doc.Resources {
		out[id] = r.Type
	}
	return out, nil
}
