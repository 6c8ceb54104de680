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

package hub

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// WorkerKeys is the SSH key pair Docker workers use for git access
type WorkerKeys struct {
	PublicKey   string `json:"public_key" yaml:"public_key"`
	PrivateKey  string `json:"private_key" yaml:"private_key"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// GenerateWorkerKeys creates a new ed25519 key pair in OpenSSH format
func GenerateWorkerKeys(comment string) (*WorkerKeys, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 keypair: %w", err)
	}

	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(private, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublic)))
	if comment != "" {
		authorized += " " + comment
	}

	return &WorkerKeys{
		PublicKey:   authorized,
		PrivateKey:  string(pem.EncodeToMemory(block)),
		Fingerprint: ssh.FingerprintSHA256(sshPublic),
	}, nil
}

// LoadOrGenerateWorkerKeys loads keys from keyFile, creating the file on
// first use
func LoadOrGenerateWorkerKeys(keyFile string) (*WorkerKeys, error) {
	if _, err := os.Stat(keyFile); err == nil {
		keys, err := LoadWorkerKeys(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing keys: %w", err)
		}
		return keys, nil
	}

	keys, err := GenerateWorkerKeys("workerhub")
	if err != nil {
		return nil, err
	}

	if err := SaveWorkerKeys(keys, keyFile); err != nil {
		return nil, fmt.Errorf("failed to save keys: %w", err)
	}

	return keys, nil
}

// LoadWorkerKeys reads keys from a YAML or JSON file
func LoadWorkerKeys(keyFile string) (*WorkerKeys, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var keys WorkerKeys
	if isYAMLExtension(keyFile) {
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("failed to parse YAML key file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("failed to parse JSON key file: %w", err)
		}
	}

	if err := keys.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keys in file: %w", err)
	}

	return &keys, nil
}

// SaveWorkerKeys writes keys with owner-only permissions
func SaveWorkerKeys(keys *WorkerKeys, keyFile string) error {
	var data []byte
	var err error

	if isYAMLExtension(keyFile) {
		data, err = yaml.Marshal(keys)
	} else {
		data, err = json.MarshalIndent(keys, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// Validate checks that the key pair parses and the fingerprint matches
func (k *WorkerKeys) Validate() error {
	if k.PublicKey == "" {
		return fmt.Errorf("public key is empty")
	}
	if k.PrivateKey == "" {
		return fmt.Errorf("private key is empty")
	}

	public, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey([]byte(k.PrivateKey))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	fingerprint := ssh.FingerprintSHA256(public)
	if ssh.FingerprintSHA256(signer.PublicKey()) != fingerprint {
		return fmt.Errorf("private key does not match public key")
	}
	if k.Fingerprint != "" && k.Fingerprint != fingerprint {
		return fmt.Errorf("fingerprint mismatch: expected %s, got %s", fingerprint, k.Fingerprint)
	}
	k.Fingerprint = fingerprint

	return nil
}

func isYAMLExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yml" || ext == ".yaml"
}
