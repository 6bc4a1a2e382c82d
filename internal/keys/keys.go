// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keys manages the CurveZMQ key pair that encrypts the queue's
// sockets.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pebbe/zmq4"
	"gopkg.in/yaml.v3"
)

// Z85 encoded CurveZMQ keys are 40 characters and decode to 32 bytes.
const (
	KeyLength        = 40
	DecodedKeyLength = 32
)

// ErrCurveUnavailable is returned when libzmq was built without CURVE.
var ErrCurveUnavailable = errors.New("libzmq was built without CURVE support")

// KeyPair represents a CurveZMQ key pair
type KeyPair struct {
	PublicKey  string `json:"public_key" yaml:"public_key"`
	PrivateKey string `json:"private_key" yaml:"private_key"`
}

// Available reports whether CURVE can be used with the linked libzmq.
func Available() bool {
	return zmq4.HasCurve()
}

// GenerateKeyPair generates a new CurveZMQ key pair
func GenerateKeyPair() (*KeyPair, error) {
	if !Available() {
		return nil, ErrCurveUnavailable
	}

	publicKey, privateKey, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CurveZMQ keypair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// LoadOrGenerate loads the key pair in keyFile, creating the file with a new
// pair when it does not exist. generated reports which case happened.
func LoadOrGenerate(keyFile string) (kp *KeyPair, generated bool, err error) {
	if _, err := os.Stat(keyFile); err == nil {
		kp, err := Load(keyFile)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing keys: %w", err)
		}
		return kp, false, nil
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}

	if err := Save(kp, keyFile); err != nil {
		return nil, false, fmt.Errorf("failed to save keys: %w", err)
	}

	return kp, true, nil
}

// Load reads a key pair from a YAML or JSON file (auto-detects format)
func Load(keyFile string) (*KeyPair, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kp KeyPair

	if isYAMLFormat(keyFile, data) {
		if err := yaml.Unmarshal(data, &kp); err != nil {
			return nil, fmt.Errorf("failed to parse YAML key file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &kp); err != nil {
			return nil, fmt.Errorf("failed to parse JSON key file: %w", err)
		}
	}

	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keys in file: %w", err)
	}

	return &kp, nil
}

// Save writes a key pair to a YAML or JSON file (format determined by
// extension) readable only by its owner.
func Save(kp *KeyPair, keyFile string) error {
	var data []byte
	var err error

	if isYAMLExtension(keyFile) {
		data, err = yaml.Marshal(kp)
		if err != nil {
			return fmt.Errorf("failed to marshal keys as YAML: %w", err)
		}
	} else {
		data, err = json.MarshalIndent(kp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal keys as JSON: %w", err)
		}
	}

	if dir := filepath.Dir(keyFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// Validate checks both halves of the key pair
func (kp *KeyPair) Validate() error {
	if err := ValidateCurveKey(kp.PublicKey); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	if err := ValidateCurveKey(kp.PrivateKey); err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	return nil
}

// ValidateCurveKey validates a CurveZMQ key format
func ValidateCurveKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	if len(key) != KeyLength {
		return fmt.Errorf("invalid key length: expected %d, got %d", KeyLength, len(key))
	}

	decoded := zmq4.Z85decode(key)
	if len(decoded) != DecodedKeyLength {
		return fmt.Errorf("invalid Z85 encoding or decoded key length")
	}

	return nil
}

// isYAMLExtension checks if the file extension indicates YAML format
func isYAMLExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yml" || ext == ".yaml"
}

// isYAMLFormat determines if the file should be parsed as YAML
func isYAMLFormat(filename string, content []byte) bool {
	if isYAMLExtension(filename) {
		return true
	}

	// JSON documents start with a brace
	return !strings.HasPrefix(strings.TrimSpace(string(content)), "{")
}
