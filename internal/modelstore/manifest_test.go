package modelstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestManifest(t *testing.T) (*Manifest, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.db")
	m, err := OpenManifest(context.Background(), path, slog.Default())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

func TestManifestUpsertAndLookup(t *testing.T) {
	m, _ := openTestManifest(t)
	ctx := context.Background()

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return fixed }

	rec := AssetRecord{
		DescriptorKey: "whisper-turbo-quantized-ggml",
		File:          "ggml-large-v3-turbo-q5_0.bin",
		SHA256:        "abc123",
		Size:          574 << 20,
	}
	if err := m.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := m.Lookup(ctx, rec.DescriptorKey)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	stored, ok := got[rec.File]
	if !ok {
		t.Fatalf("record missing after upsert: %+v", got)
	}
	if stored.SHA256 != "abc123" || stored.Size != rec.Size {
		t.Fatalf("unexpected record: %+v", stored)
	}
	if !stored.DownloadedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamp %v, got %v", fixed, stored.DownloadedAt)
	}

	// Upsert replaces, never duplicates.
	rec.SHA256 = "def456"
	if err := m.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err = m.Lookup(ctx, rec.DescriptorKey)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 || got[rec.File].SHA256 != "def456" {
		t.Fatalf("upsert did not replace: %+v", got)
	}
}

func TestManifestListAndDelete(t *testing.T) {
	m, _ := openTestManifest(t)
	ctx := context.Background()

	records := []AssetRecord{
		{DescriptorKey: "a-full-onnx", File: "config.json", SHA256: "1", Size: 10},
		{DescriptorKey: "a-full-onnx", File: "onnx/encoder_model.onnx", SHA256: "2", Size: 20},
		{DescriptorKey: "b-quantized-ggml", File: "ggml.bin", SHA256: "3", Size: 30},
	}
	for _, rec := range records {
		if err := m.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	all, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].DescriptorKey != "a-full-onnx" || all[2].DescriptorKey != "b-quantized-ggml" {
		t.Fatalf("records not ordered by key: %+v", all)
	}

	if err := m.Delete(ctx, "a-full-onnx", "config.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := m.Lookup(ctx, "a-full-onnx")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record after delete, got %d", len(got))
	}
}

func TestManifestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")

	m, err := OpenManifest(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	rec := AssetRecord{DescriptorKey: "k", File: "f", SHA256: "s", Size: 1}
	if err := m.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenManifest(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Lookup(ctx, "k")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, ok := got["f"]; !ok {
		t.Fatalf("record lost across reopen: %+v", got)
	}
}
