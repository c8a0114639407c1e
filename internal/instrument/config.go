package instrument

import (
	"strings"

	"github.com/samber/lo"

	"github.com/dan-v/plldb/pkg/shared"
)

// FunctionConfig is the slice of a Lambda configuration touched by instrumentation.
type FunctionConfig struct {
	Environment map[string]string
	Layers      []string
}

// layerBase drops the trailing version from a layer version ARN.
func layerBase(arn string) string {
	if i := strings.LastIndex(arn, ":"); i > 0 && strings.Count(arn, ":") >= 7 {
		return arn[:i]
	}
	return arn
}

func sameLayer(a, b string) bool {
	return a == b || layerBase(a) == layerBase(b)
}

// ownWrapper reports whether the exec wrapper points at the shim bootstrap.
// Any other wrapper value belongs to the function owner.
func ownWrapper(cfg FunctionConfig) bool {
	return cfg.Environment[shared.EnvExecWrapper] == shared.ExecWrapperPath
}

// HasMarkers reports whether any debug marker is present.
func HasMarkers(cfg FunctionConfig) bool {
	_, session := cfg.Environment[shared.EnvSessionID]
	_, connection := cfg.Environment[shared.EnvConnectionID]
	return session || connection || ownWrapper(cfg)
}

// InstrumentedFor reports whether cfg already activates the shim for exactly
// this session and connection.
func InstrumentedFor(cfg FunctionConfig, sessionID, connectionID, layerArn string) bool {
	return cfg.Environment[shared.EnvSessionID] == sessionID &&
		cfg.Environment[shared.EnvConnectionID] == connectionID &&
		cfg.Environment[shared.EnvExecWrapper] == shared.ExecWrapperPath &&
		lo.Contains(cfg.Layers, layerArn)
}

// Apply returns cfg with the three markers set and the shim layer referenced
// once. Other variables and layers are kept in place. changed is false when
// cfg was already instrumented for the same pair.
func Apply(cfg FunctionConfig, sessionID, connectionID, layerArn string) (out FunctionConfig, changed bool) {
	if InstrumentedFor(cfg, sessionID, connectionID, layerArn) {
		return cfg, false
	}

	env := lo.Assign(cfg.Environment, map[string]string{
		shared.EnvSessionID:    sessionID,
		shared.EnvConnectionID: connectionID,
		shared.EnvExecWrapper:  shared.ExecWrapperPath,
	})

	// Replace an older version of the shim layer rather than stacking a second one.
	layers := lo.Reject(cfg.Layers, func(l string, _ int) bool { return sameLayer(l, layerArn) })
	if idx := lo.IndexOf(lo.Map(cfg.Layers, func(l string, _ int) string { return layerBase(l) }), layerBase(layerArn)); idx >= 0 && idx <= len(layers) {
		layers = append(layers[:idx], append([]string{layerArn}, layers[idx:]...)...)
	} else {
		layers = append(layers, layerArn)
	}

	return FunctionConfig{Environment: env, Layers: layers}, true
}

// Strip removes exactly the debug markers and every reference to the shim
// layer. changed is false when no marker was present, in which case cfg is
// returned untouched.
func Strip(cfg FunctionConfig, layerArn string) (out FunctionConfig, changed bool) {
	if !HasMarkers(cfg) {
		return cfg, false
	}

	markers := []string{shared.EnvSessionID, shared.EnvConnectionID}
	if ownWrapper(cfg) {
		markers = append(markers, shared.EnvExecWrapper)
	}
	env := lo.OmitByKeys(cfg.Environment, markers)
	layers := lo.Reject(cfg.Layers, func(l string, _ int) bool { return sameLayer(l, layerArn) })
	if layers == nil {
		layers = []string{}
	}
	return FunctionConfig{Environment: env, Layers: layers}, true
}
