package archive

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updatehub/services/signing"
	"updatehub/services/update"
)

func testRecord(t *testing.T) *update.Record {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := update.NewRecord(update.Descriptor{
		Kind: update.KindConfig,
		Payload: map[string]any{
			"key":      "gc.interval",
			"current":  "5m",
			"proposed": "1m",
		},
		ComponentTargets: []string{"collector"},
		CreatedBy:        "ops@example.com",
		RiskLevel:        update.RiskLow,
	}, now)
	rec.Package = &update.Package{
		Checksum: "abc123",
		Rollback: update.RollbackInstructions{
			Action: update.RollbackRestore,
			Prior:  map[string]any{"key": "gc.interval", "current": "1m", "proposed": "5m"},
		},
	}
	rec.DistributionEventID = "UPDATES:42"
	return rec
}

func TestBuildIsDeterministic(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	rec := testRecord(t)

	first, _, err := Build(rec, signer)
	require.NoError(t, err)
	second, _, err := Build(rec, signer)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSigningBytesExcludeSignatureFields(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	_, manifest, err := Build(testRecord(t), signer)
	require.NoError(t, err)
	require.NotEmpty(t, manifest.Signature)
	require.NotEmpty(t, manifest.SignerIdentity)

	signed, err := manifest.SigningBytes()
	require.NoError(t, err)

	unsigned := *manifest
	unsigned.Signature = ""
	unsigned.SignerIdentity = ""
	preSign, err := unsigned.SigningBytes()
	require.NoError(t, err)

	require.Equal(t, preSign, signed)
	require.NoError(t, signing.Verify(signed, manifest.Signature, manifest.SignerIdentity))
}

func TestBuildReadVerifyRoundTrip(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	rec := testRecord(t)

	bundle, built, err := Build(rec, signer)
	require.NoError(t, err)
	require.Equal(t, rec.ID.String(), built.UpdateID)

	manifest, files, err := Read(bytes.NewReader(bundle))
	require.NoError(t, err)
	require.Equal(t, built.Signature, manifest.Signature)
	require.Equal(t, "CONFIG", manifest.Kind)
	require.Equal(t, "abc123", manifest.Checksum)
	require.Contains(t, files, "payload.json")
	require.Contains(t, files, "rollback.json")

	require.NoError(t, Verify(manifest, files))
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	rec := testRecord(t)

	bundle, _, err := Build(rec, signer)
	require.NoError(t, err)
	manifest, files, err := Read(bytes.NewReader(bundle))
	require.NoError(t, err)

	files["payload.json"] = append(files["payload.json"], ' ')
	require.ErrorContains(t, Verify(manifest, files), "digest mismatch")

	manifest.Checksum = "tampered"
	require.ErrorContains(t, Verify(manifest, files), "signature")
}

func TestBuildRequiresPackage(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	rec := testRecord(t)
	rec.Package = nil

	_, _, err := Build(rec, signer)
	require.Error(t, err)
}

func TestExporterUploadsBundle(t *testing.T) {
	signer := signing.NewSignerFromSeed(make([]byte, 32))
	store := NewMemoryStore()
	exporter, err := NewExporter(store, signer, "archives", log.New(io.Discard, "", 0))
	require.NoError(t, err)

	rec := testRecord(t)
	require.NoError(t, exporter.Export(context.Background(), rec))

	data, ok := store.Object("archives", Key(rec))
	require.True(t, ok)

	manifest, files, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, Verify(manifest, files))
}
