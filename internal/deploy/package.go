package deploy

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dan-v/plldb/pkg/shared"
)

// Binaries expected next to the artifacts when a zip has to be built.
const (
	ControlPlaneBinary = "plldb-control"
	BootstrapBinary    = "plldb-bootstrap"
)

// zipEntry is one file written into an artifact.
type zipEntry struct {
	name string
	mode os.FileMode
	open func() (io.ReadCloser, error)
}

// RuntimeSettings is written to /opt/plldb/runtime.yaml inside the layer.
type RuntimeSettings struct {
	Region              string `yaml:"region"`
	InfrastructureStack string `yaml:"infrastructure_stack"`
	ExternalID          string `yaml:"external_id"`
	SessionsTable       string `yaml:"sessions_table"`
	CorrelationTable    string `yaml:"correlation_table"`
	PollInterval        string `yaml:"poll_interval"`
	Timeout             string `yaml:"timeout"`
}

// DefaultRuntimeSettings returns the layer settings for a control plane stack.
func DefaultRuntimeSettings(region, stackName string) RuntimeSettings {
	return RuntimeSettings{
		Region:              region,
		InfrastructureStack: stackName,
		ExternalID:          shared.DebuggerExternalID,
		SessionsTable:       shared.SessionsTable,
		CorrelationTable:    shared.CorrelationTable,
		PollInterval:        shared.ResponsePollInterval.String(),
		Timeout:             shared.DefaultBridgeTimeout.String(),
	}
}

// PrepareArtifacts makes sure dir holds both artifact zips, packaging them
// from the compiled binaries when a zip is missing.
func PrepareArtifacts(dir string, settings RuntimeSettings) error {
	control := filepath.Join(dir, ControlPlaneArtifact)
	if !exists(control) {
		if err := PackageControlPlane(filepath.Join(dir, ControlPlaneBinary), control); err != nil {
			return err
		}
	}
	layer := filepath.Join(dir, LayerArtifact)
	if !exists(layer) {
		if err := PackageLayer(filepath.Join(dir, BootstrapBinary), settings, layer); err != nil {
			return err
		}
	}
	return nil
}

// PackageControlPlane zips the handler binary as the provided-runtime "bootstrap".
func PackageControlPlane(binaryPath, zipPath string) error {
	return writeZip(zipPath, []zipEntry{fileEntry(binaryPath, "bootstrap", 0o755)})
}

// PackageLayer zips the shim as bin/bootstrap (mounted at /opt/bin/bootstrap)
// together with plldb/runtime.yaml.
func PackageLayer(binaryPath string, settings RuntimeSettings, zipPath string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode runtime settings: %w", err)
	}
	return writeZip(zipPath, []zipEntry{
		fileEntry(binaryPath, "bin/bootstrap", 0o755),
		{
			name: "plldb/runtime.yaml",
			mode: 0o644,
			open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		},
	})
}

func fileEntry(path, name string, mode os.FileMode) zipEntry {
	return zipEntry{name: name, mode: mode, open: func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", shared.ErrNotFound, path, err)
		}
		return f, nil
	}}
}

func writeZip(zipPath string, entries []zipEntry) (err error) {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	// entries are opened before the archive so a missing input leaves nothing behind
	readers := make([]io.ReadCloser, 0, len(entries))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, e := range entries {
		r, err := e.open()
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	zipFile, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer func() {
		if cerr := zipFile.Close(); err == nil {
			err = cerr
		}
	}()

	zipWriter := zip.NewWriter(zipFile)
	for i, e := range entries {
		header := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: time.Now()}
		header.SetMode(e.mode)
		w, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to create zip entry %s: %w", e.name, err)
		}
		if _, err := io.Copy(w, readers[i]); err != nil {
			return fmt.Errorf("failed to copy %s into zip: %w", e.name, err)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish zip: %w", err)
	}
	shared.LogSuccessf("Packaged %s", zipPath)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
