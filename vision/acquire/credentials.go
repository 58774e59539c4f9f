package acquire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// Environment variables read for credentials
const (
	EnvUsername  = "KAGGLE_USERNAME"
	EnvKey       = "KAGGLE_KEY"
	EnvConfigDir = "KAGGLE_CONFIG_DIR"
)

// Credentials authenticate against the dataset provider
type Credentials struct {
	Username string `json:"username"`
	Key      string `json:"key"`
}

// LoadCredentials resolves credentials from KAGGLE_USERNAME and KAGGLE_KEY, then from
// kaggle.json in configDir, KAGGLE_CONFIG_DIR or ~/.kaggle, in that order. A kaggle.json
// that is used gets its permissions restricted to the owner.
func LoadCredentials(configDir string) (Credentials, error) {
	if user, key := os.Getenv(EnvUsername), os.Getenv(EnvKey); user != "" && key != "" {
		klog.V(1).Infof("Using credentials from %s/%s", EnvUsername, EnvKey)
		return Credentials{Username: user, Key: key}, nil
	}

	if configDir == "" {
		configDir = os.Getenv(EnvConfigDir)
	}
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Credentials{}, &AcquisitionError{Op: "credentials", Err: fmt.Errorf("%w: %w", ErrMissingCredentials, err)}
		}
		configDir = filepath.Join(home, ".kaggle")
	}

	path := filepath.Join(configDir, "kaggle.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, &AcquisitionError{
				Op:     "credentials",
				Detail: "expected " + path,
				Err:    ErrMissingCredentials,
			}
		}
		return Credentials{}, &AcquisitionError{Op: "credentials", Err: err}
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, &AcquisitionError{Op: "credentials", Detail: path, Err: fmt.Errorf("invalid kaggle.json: %w", err)}
	}
	if creds.Username == "" || creds.Key == "" {
		return Credentials{}, &AcquisitionError{Op: "credentials", Detail: path, Err: ErrMissingCredentials}
	}

	if err := os.Chmod(path, 0600); err != nil {
		return Credentials{}, &AcquisitionError{Op: "credentials", Detail: path, Err: err}
	}
	klog.Infof("Using credentials from %s", path)
	return creds, nil
}
