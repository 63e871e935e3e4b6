package envmlflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MLmodelFile is the metadata file at the root of every logged model.
const MLmodelFile = "MLmodel"

// Flavor names understood by ModelLoader.
const (
	// GoFlavor is written by DirFlavor. Its "loader" key names a registered
	// loader module.
	GoFlavor = "go_function"

	// PythonFlavor is written by mlflow.pyfunc. Its "loader_module" key is
	// matched against registered loader modules as well.
	PythonFlavor = "python_function"
)

// MLmodel is the parsed MLmodel file of a logged model.
type MLmodel struct {
	ArtifactPath   string                    `yaml:"artifact_path,omitempty"`
	RunID          string                    `yaml:"run_id,omitempty"`
	ModelUUID      string                    `yaml:"model_uuid,omitempty"`
	UTCTimeCreated string                    `yaml:"utc_time_created,omitempty"`
	Flavors        map[string]map[string]any `yaml:"flavors"`
}

// LoaderModule returns the loader module and data directory declared by the
// Go or Python flavor, preferring Go.
func (m MLmodel) LoaderModule() (module, data string) {
	if f, ok := m.Flavors[GoFlavor]; ok {
		module, _ = f["loader"].(string)
		data, _ = f["data"].(string)
		if module != "" {
			return module, data
		}
	}
	if f, ok := m.Flavors[PythonFlavor]; ok {
		module, _ = f["loader_module"].(string)
		data, _ = f["data"].(string)
	}
	return module, data
}

// readMLmodel parses dir/MLmodel.
func readMLmodel(dir string) (MLmodel, error) {
	data, err := os.ReadFile(filepath.Join(dir, MLmodelFile))
	if err != nil {
		return MLmodel{}, fmt.Errorf("%w: reading %s: %v", ErrStorageError, MLmodelFile, err)
	}

	var m MLmodel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return MLmodel{}, fmt.Errorf("%w: parsing %s: %v", ErrStorageError, MLmodelFile, err)
	}
	return m, nil
}

// writeMLmodel writes m to dir/MLmodel.
func writeMLmodel(dir string, m MLmodel) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrStorageError, MLmodelFile, err)
	}
	return atomicWrite(filepath.Join(dir, MLmodelFile), data)
}
