// Package archive produces signed, compressed bundles of distributed
// updates for offline inspection and long-term retention. A bundle holds a
// yaml manifest plus the canonical payload and rollback instructions, packed
// as tar.zst. Building the same record twice yields byte-identical bundles.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"updatehub/pkg/canonical"
	"updatehub/services/signing"
	"updatehub/services/update"
)

const (
	manifestFileName = "manifest.yaml"
	payloadFileName  = "payload.json"
	rollbackFileName = "rollback.json"
)

// Manifest is the signed metadata included in every bundle.
type Manifest struct {
	Version             string         `yaml:"version"`
	UpdateID            string         `yaml:"update_id"`
	Kind                string         `yaml:"kind"`
	RiskLevel           string         `yaml:"risk_level"`
	CreatedBy           string         `yaml:"created_by"`
	Checksum            string         `yaml:"checksum"`
	RollbackAction      string         `yaml:"rollback_action"`
	DistributionEventID string         `yaml:"distribution_event_id,omitempty"`
	CreatedAt           time.Time      `yaml:"created_at"`
	SignerIdentity      string         `yaml:"signer_identity,omitempty"`
	Signature           string         `yaml:"signature,omitempty"`
	Files               []ManifestFile `yaml:"files"`
}

// SigningBytes marshals the manifest without its signature fields. Build
// signs before the identity is filled in, so verification must drop both to
// recover the signed bytes.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	clone.SignerIdentity = ""
	return yaml.Marshal(clone)
}

// ManifestFile describes a single file within the bundle.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Build assembles the bundle for a distributed update. The record must carry
// a package; undistributed updates have nothing worth archiving.
func Build(rec *update.Record, signer signing.Signer) ([]byte, *Manifest, error) {
	if rec == nil {
		return nil, nil, errors.New("record is required")
	}
	if rec.Package == nil {
		return nil, nil, fmt.Errorf("update %s has no package", rec.ID)
	}
	if signer == nil {
		return nil, nil, errors.New("signer is required")
	}

	payload, err := canonical.Marshal(rec.Descriptor.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalise payload: %w", err)
	}
	rollback, err := canonical.Marshal(rec.Package.Rollback)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalise rollback: %w", err)
	}

	files := map[string][]byte{
		payloadFileName:  payload,
		rollbackFileName: rollback,
	}

	manifest := &Manifest{
		Version:             "1",
		UpdateID:            rec.ID.String(),
		Kind:                string(rec.Descriptor.Kind),
		RiskLevel:           string(rec.Descriptor.RiskLevel),
		CreatedBy:           rec.Descriptor.CreatedBy,
		Checksum:            rec.Package.Checksum,
		RollbackAction:      string(rec.Package.Rollback.Action),
		DistributionEventID: rec.DistributionEventID,
		CreatedAt:           rec.CreatedAt.UTC().Truncate(time.Second),
		Files:               describeFiles(files),
	}

	signingPayload, err := manifest.SigningBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, identity, err := signer.Sign(signingPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig
	manifest.SignerIdentity = identity

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest: %w", err)
	}

	bundle, err := writeBundle(manifestBytes, files, manifest.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	return bundle, manifest, nil
}

func describeFiles(files map[string][]byte) []ManifestFile {
	out := make([]ManifestFile, 0, len(files))
	for name, data := range files {
		sum := sha256.Sum256(data)
		out = append(out, ManifestFile{
			Path:   name,
			Size:   int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func writeBundle(manifest []byte, files map[string][]byte, modTime time.Time) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	names := make([]string, 0, len(files)+1)
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	names = append([]string{manifestFileName}, names...)

	contents := map[string][]byte{manifestFileName: manifest}
	for name, data := range files {
		contents[name] = data
	}

	for _, name := range names {
		data := contents[name]
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write %q: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return buf.Bytes(), nil
}

// Read extracts a bundle's manifest and files.
func Read(r io.Reader) (*Manifest, map[string][]byte, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var manifest *Manifest
	files := make(map[string][]byte)

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", header.Name, err)
		}
		if header.Name == manifestFileName {
			manifest = &Manifest{}
			if err := yaml.Unmarshal(data, manifest); err != nil {
				return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
			}
			continue
		}
		files[header.Name] = data
	}

	if manifest == nil {
		return nil, nil, errors.New("bundle has no manifest")
	}
	return manifest, files, nil
}

// Verify checks the manifest signature and every file digest.
func Verify(manifest *Manifest, files map[string][]byte) error {
	if manifest == nil {
		return errors.New("manifest is required")
	}
	if manifest.Signature == "" || manifest.SignerIdentity == "" {
		return errors.New("bundle is unsigned")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signing.Verify(payload, manifest.Signature, manifest.SignerIdentity); err != nil {
		return fmt.Errorf("manifest signature: %w", err)
	}

	for _, f := range manifest.Files {
		data, ok := files[f.Path]
		if !ok {
			return fmt.Errorf("bundle is missing %q", f.Path)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			return fmt.Errorf("digest mismatch for %q", f.Path)
		}
		if int64(len(data)) != f.Size {
			return fmt.Errorf("size mismatch for %q", f.Path)
		}
	}
	return nil
}
