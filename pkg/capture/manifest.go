// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// ManifestFile is the manifest name inside the output folder
const ManifestFile = "manifest.cbor"

// Manifest records a capture run. It is encoded as a CBOR map with
// integer keys.
type Manifest struct {
	StartedAt   int64   `cbor:"1,keyasint"` // unix milliseconds
	FinishedAt  int64   `cbor:"2,keyasint"`
	PhotoCount  int     `cbor:"3,keyasint"`
	RPM         float32 `cbor:"4,keyasint"`
	EndPosition int32   `cbor:"5,keyasint"`
	Targets     []int32 `cbor:"6,keyasint"`
	Shots       []Shot  `cbor:"7,keyasint"`
	State       string  `cbor:"8,keyasint"`
	Error       string  `cbor:"9,keyasint,omitempty"`
}

// Shot is one captured image
type Shot struct {
	Index    int    `cbor:"1,keyasint"`
	Position int32  `cbor:"2,keyasint"`
	Image    string `cbor:"3,keyasint"`
	TakenAt  int64  `cbor:"4,keyasint"` // unix milliseconds
}

var manifestEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalManifest encodes m in deterministic CBOR
func MarshalManifest(m *Manifest) ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

// UnmarshalManifest decodes a CBOR manifest
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest writes m into folder
func WriteManifest(folder string, m *Manifest) (string, error) {
	data, err := MarshalManifest(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(folder, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadManifest reads the manifest of a capture folder
func ReadManifest(folder string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(folder, ManifestFile))
	if err != nil {
		return nil, err
	}
	return UnmarshalManifest(data)
}
