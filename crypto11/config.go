package crypto11

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// KeyDefaults specifies attributes of created keys,
// when the request does not specify them
type KeyDefaults struct {
	// Token specifies to persist keys beyond the session
	Token bool `json:"Token" yaml:"token"`
	// Sensitive specifies to forbid value extraction
	Sensitive bool `json:"Sensitive" yaml:"sensitive"`
}

// TokenConfig holds PKCS#11 configuration information.
//
// Supply this to Init(), or alternatively use ConfigureFromFile().
type TokenConfig struct {
	// Path is the full path to PKCS#11 library
	Path string `json:"Path" yaml:"path"`
	// Name of the instance, reported in ProviderInfo
	Name string `json:"Name,omitempty" yaml:"name"`
	// Slot is the index of the slot in the list of slots with a token present
	Slot int `json:"Slot" yaml:"slot"`
	// ReadWrite specifies to open read/write session
	ReadWrite bool `json:"ReadWrite" yaml:"read_write"`
	// Pin is a secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file.
	Pin string `json:"Pin,omitempty" yaml:"pin"`
	// Vendors provides vendor specific mechanisms, name to CKM value
	Vendors map[string]uint `json:"Vendors,omitempty" yaml:"vendors"`
	// LibraryParameters is library specific string passed on initialization
	LibraryParameters string `json:"LibraryParameters,omitempty" yaml:"library_parameters"`
	// Defaults for created keys
	Defaults KeyDefaults `json:"Defaults" yaml:"defaults"`
}

// LoadTokenConfig loads PKCS#11 token configuration
func LoadTokenConfig(filename string) (*TokenConfig, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()
	tokenConfig := new(TokenConfig)

	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(tokenConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	} else {
		err = yaml.NewDecoder(cfr).Decode(tokenConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	}

	pin := tokenConfig.Pin
	if strings.HasPrefix(pin, "file:") {
		pinfile := pin[5:]

		// try to resolve pin file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			filepath.Dir(filename),
		}

		for _, folder := range folders {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.Warningf("reason=resolve, pinfile=%q, basedir=%q", pinfile, folder)
		}

		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
		tokenConfig.Pin = strings.TrimSpace(string(pb))
	}

	return tokenConfig, nil
}

// resolve returns absolute file name relative to baseDir,
// or NewNotFound error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
