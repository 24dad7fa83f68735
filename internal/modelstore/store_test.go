package modelstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var ggmlPayload = bytes.Repeat([]byte{0x5a, 0xa5}, 2048)

func turboQuantized() Descriptor {
	return Descriptor{
		Name:         ModelWhisperTurbo,
		Quantization: QuantQuantized,
		Language:     "auto",
		Task:         TaskTranscribe,
	}
}

func openTestStore(t *testing.T, dir, baseURL string, mutate func(*Options)) *Store {
	t.Helper()
	opts := Options{
		CacheDir: dir,
		Format:   FormatGGML,
		BaseURL:  baseURL,
		Log:      slog.Default(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ggmlServer(t *testing.T, hits *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".bin") {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Write(ggmlPayload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveDownloadsOnceAndMemoizes(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 0)
	store := openTestStore(t, t.TempDir(), srv.URL, nil)
	ctx := context.Background()

	assets, err := store.Resolve(ctx, turboQuantized())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 download, got %d", hits.Load())
	}
	got, err := os.ReadFile(assets.Primary)
	if err != nil {
		t.Fatalf("reading primary asset: %v", err)
	}
	if !bytes.Equal(got, ggmlPayload) {
		t.Fatal("downloaded payload does not match server content")
	}
	if filepath.Base(assets.Primary) != "ggml-large-v3-turbo-q5_0.bin" {
		t.Fatalf("unexpected primary asset %q", assets.Primary)
	}

	// Second resolve is a memo hit: no network, no re-hash.
	if _, err := store.Resolve(ctx, turboQuantized()); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("memoized resolve re-downloaded: %d hits", hits.Load())
	}
}

func TestResolveConcurrentCollapses(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 50*time.Millisecond)
	store := openTestStore(t, t.TempDir(), srv.URL, nil)

	const callers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, callers)
	primaries := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			assets, err := store.Resolve(context.Background(), turboQuantized())
			errs[i] = err
			primaries[i] = assets.Primary
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if primaries[i] != primaries[0] {
			t.Fatalf("callers resolved different paths: %q vs %q", primaries[i], primaries[0])
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("concurrent resolves did not collapse: %d downloads", hits.Load())
	}
}

func TestResolveRedownloadsCorruptedFile(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 0)
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir, srv.URL, nil)
	assets, err := store.Resolve(ctx, turboQuantized())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.Close()

	// Corrupt the cached file behind the manifest's back.
	if err := os.WriteFile(assets.Primary, bytes.Repeat([]byte{0xff}, 4096), 0o644); err != nil {
		t.Fatalf("corrupting cache: %v", err)
	}

	reopened := openTestStore(t, dir, srv.URL, nil)
	restored, err := reopened.Resolve(ctx, turboQuantized())
	if err != nil {
		t.Fatalf("Resolve after corruption: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected corrupt file to be re-downloaded, hits = %d", hits.Load())
	}
	got, err := os.ReadFile(restored.Primary)
	if err != nil {
		t.Fatalf("reading restored asset: %v", err)
	}
	if !bytes.Equal(got, ggmlPayload) {
		t.Fatal("asset not restored to server content")
	}
}

func TestResolveVerifiesAcrossReopen(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 0)
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir, srv.URL, nil)
	if _, err := store.Resolve(ctx, turboQuantized()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.Close()

	reopened := openTestStore(t, dir, srv.URL, nil)
	if _, err := reopened.Resolve(ctx, turboQuantized()); err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("verified cache hit should not download, hits = %d", hits.Load())
	}
}

func TestResolveNetworkErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	store := openTestStore(t, t.TempDir(), srv.URL, nil)

	_, err := store.Resolve(context.Background(), turboQuantized())
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Kind != ErrNetwork {
		t.Fatalf("expected network kind, got %s", resErr.Kind)
	}
}

func TestResolveRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"html error page", []byte("<!DOCTYPE html><html><body>rate limited</body></html>" + strings.Repeat(" ", 100))},
		{"truncated payload", []byte("stub")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(tc.body)
			}))
			t.Cleanup(srv.Close)
			dir := t.TempDir()
			store := openTestStore(t, dir, srv.URL, nil)

			_, err := store.Resolve(context.Background(), turboQuantized())
			var resErr *ResolutionError
			if !errors.As(err, &resErr) {
				t.Fatalf("expected ResolutionError, got %v", err)
			}
			if resErr.Kind != ErrChecksum {
				t.Fatalf("expected checksum kind, got %s", resErr.Kind)
			}

			// A failed download must leave neither a final file nor staging debris.
			entryDir := filepath.Join(dir, "whisper-turbo-quantized-ggml")
			entries, readErr := os.ReadDir(entryDir)
			if readErr != nil && !os.IsNotExist(readErr) {
				t.Fatalf("reading cache entry: %v", readErr)
			}
			for _, e := range entries {
				t.Fatalf("unexpected file left behind: %s", e.Name())
			}
		})
	}
}

func TestResolveONNXSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".json"):
			w.Write([]byte(`{"fixture": "` + strings.Repeat("x", 120) + `"}`))
		case strings.HasSuffix(r.URL.Path, "merges.txt"):
			w.Write([]byte(strings.Repeat("to ken\n", 32)))
		default:
			w.Write(ggmlPayload)
		}
	}))
	t.Cleanup(srv.Close)
	store := openTestStore(t, t.TempDir(), srv.URL, func(o *Options) { o.Format = FormatONNX })

	desc := Descriptor{Name: ModelLiteWhisperTurboFast, Quantization: QuantQuantized, Language: "en", Task: TaskTranscribe}
	assets, err := store.Resolve(context.Background(), desc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(assets.Files) != 13 {
		t.Fatalf("expected 13 onnx files, got %d", len(assets.Files))
	}
	if assets.Primary != assets.Dir {
		t.Fatalf("onnx primary should be the entry dir, got %q", assets.Primary)
	}
	for local, path := range assets.Files {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("asset %s missing on disk: %v", local, err)
		}
	}
	if assets.Path("tokenizer.json") == "" {
		t.Fatal("tokenizer sidecar not resolved")
	}
}

func TestResolveReportsProgress(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 0)

	type event struct {
		file, stage string
		percent     int
	}
	var mu sync.Mutex
	var events []event
	store := openTestStore(t, t.TempDir(), srv.URL, func(o *Options) {
		o.Progress = func(file, stage string, done, total int64, percent int) {
			mu.Lock()
			events = append(events, event{file, stage, percent})
			mu.Unlock()
		}
	})

	if _, err := store.Resolve(context.Background(), turboQuantized()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected progress events, got %d", len(events))
	}
	if events[0].stage != StageResolving {
		t.Fatalf("first event should be resolving, got %s", events[0].stage)
	}
	sawDownloading := false
	for _, ev := range events {
		if ev.stage == StageDownloading {
			sawDownloading = true
		}
	}
	if !sawDownloading {
		t.Fatal("no downloading progress reported")
	}
	last := events[len(events)-1]
	if last.stage != StageReady || last.percent != 100 {
		t.Fatalf("final event should be ready/100, got %s/%d", last.stage, last.percent)
	}
}

func TestOpenSweepsStaleStagingFiles(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "whisper-turbo-quantized-ggml")
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(entryDir, "ggml-large-v3-turbo-q5_0.bin.tmp")
	if err := os.WriteFile(stale, []byte("interrupted"), 0o644); err != nil {
		t.Fatalf("writing stale tmp: %v", err)
	}

	openTestStore(t, dir, "http://unused.invalid", nil)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale staging file not swept: %v", err)
	}
}

func TestCachedGroupsManifestRows(t *testing.T) {
	var hits atomic.Int32
	srv := ggmlServer(t, &hits, 0)
	store := openTestStore(t, t.TempDir(), srv.URL, nil)
	ctx := context.Background()

	if _, err := store.Resolve(ctx, turboQuantized()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	cached, err := store.Cached(ctx)
	if err != nil {
		t.Fatalf("Cached: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected 1 cached model, got %d", len(cached))
	}
	entry := cached[0]
	if entry.DescriptorKey != "whisper-turbo-quantized-ggml" {
		t.Fatalf("unexpected key %q", entry.DescriptorKey)
	}
	if entry.Files != 1 || entry.TotalBytes != int64(len(ggmlPayload)) {
		t.Fatalf("unexpected summary: %+v", entry)
	}
}
