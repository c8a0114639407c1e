package main

import (
	"errors"
	"log"
	"strings"

	"github.com/dan-v/plldb/pkg/shared"
)

func main() {
	if err := executeCliCommand(); err != nil {
		log.Fatal(hint(err))
	}
}

// hint prefixes err with troubleshooting advice for its error class.
func hint(err error) string {
	errMsg := err.Error()
	switch {
	case errors.Is(err, shared.ErrUnauthorized) || strings.Contains(errMsg, "credentials"):
		return "❌ AWS credentials error: " + errMsg + "\n\n🔧 Troubleshooting:\n- Run 'aws configure' to set up credentials\n- Set AWS_PROFILE environment variable\n- Ensure your credentials may call execute-api:Invoke on the plldb REST API"
	case strings.Contains(errMsg, "configuration"):
		return "❌ Configuration error: " + errMsg + "\n\n💡 Tip: Run 'plldb config init' to create a sample configuration file"
	case errors.Is(err, shared.ErrNotFound) && strings.Contains(errMsg, "stack"):
		return "❌ Infrastructure error: " + errMsg + "\n\n💡 Try: Run 'plldb bootstrap setup' to deploy the control plane"
	case errors.Is(err, shared.ErrInvalidInput):
		return "❌ Invalid input: " + errMsg + "\n\n💡 For usage, run: plldb --help"
	case errors.Is(err, shared.ErrUpstreamFailure) || strings.Contains(errMsg, "timeout"):
		return "❌ Network error: " + errMsg + "\n\n🔧 Check your internet connection and AWS service health"
	default:
		return "❌ Command failed: " + errMsg + "\n\n💡 For help, run: plldb --help"
	}
}
