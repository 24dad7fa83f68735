package modelstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Progress stages, in the order a file moves through them.
const (
	StageResolving   = "resolving"
	StageDownloading = "downloading"
	StageVerifying   = "verifying"
	StageReady       = "ready"
)

// ProgressFunc receives download/verification progress. total is -1 when the
// server did not announce a length; percent is -1 in that case.
type ProgressFunc func(file, stage string, done, total int64, percent int)

// Assets is a resolved, validated model: every file present on disk.
type Assets struct {
	Descriptor Descriptor
	Format     Format
	// Dir is the cache entry directory holding all files.
	Dir string
	// Primary is the path the backend loads: the .bin for ggml, Dir for onnx.
	Primary string
	// Files maps each asset's local name to its absolute path.
	Files map[string]string
	// Checksums maps each asset's local name to its sha256.
	Checksums map[string]string
}

// Path returns the absolute path of one asset file, or "" if unknown.
func (a Assets) Path(local string) string { return a.Files[local] }

// CachedModel summarizes one manifest entry group for listings.
type CachedModel struct {
	DescriptorKey string    `json:"descriptor_key"`
	Files         int       `json:"files"`
	TotalBytes    int64     `json:"total_bytes"`
	DownloadedAt  time.Time `json:"downloaded_at"`
}

const defaultBaseURL = "https://huggingface.co"

// Options configures a Store. Zero values fall back to sane defaults.
type Options struct {
	// CacheDir is the root directory for downloaded assets and the manifest.
	CacheDir string
	// Format selects ggml or onnx asset sets.
	Format Format
	// BaseURL overrides the download host, e.g. for a mirror.
	BaseURL string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// Progress, when set, receives per-file download progress.
	Progress ProgressFunc
	Log      *slog.Logger
}

// Store resolves model descriptors to local, validated assets. Concurrent
// resolves of the same descriptor collapse into one download; resolved
// assets are memoized so later hits skip re-hashing multi-GB files.
type Store struct {
	dir      string
	format   Format
	baseURL  string
	client   *http.Client
	manifest *Manifest
	progress ProgressFunc
	log      *slog.Logger
	clock    func() time.Time

	group      singleflight.Group
	assets     *lru.Cache[string, Assets]
	bytesTotal atomic.Int64
}

// Open prepares the cache directory, opens the manifest, and sweeps any
// staging files left behind by an interrupted process.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("model cache directory is required")
	}
	if opts.Format == "" {
		opts.Format = FormatGGML
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 0}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "modelstore")

	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model cache directory: %w", err)
	}

	removed, err := cleanupStaleTemp(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("sweeping stale staging files: %w", err)
	}
	if removed > 0 {
		log.Info("removed stale staging files", "count", removed)
	}

	manifest, err := OpenManifest(ctx, filepath.Join(opts.CacheDir, "manifest.db"), log)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, Assets](8)
	if err != nil {
		manifest.Close()
		return nil, fmt.Errorf("creating asset cache: %w", err)
	}

	return &Store{
		dir:      opts.CacheDir,
		format:   opts.Format,
		baseURL:  opts.BaseURL,
		client:   opts.HTTPClient,
		manifest: manifest,
		progress: opts.Progress,
		log:      log,
		clock:    time.Now,
		assets:   cache,
	}, nil
}

func (s *Store) Close() error {
	return s.manifest.Close()
}

// Format reports which weight family this store serves.
func (s *Store) Format() Format { return s.format }

// BytesDownloaded is the cumulative payload fetched since the store opened,
// for the runtime's download counter.
func (s *Store) BytesDownloaded() int64 { return s.bytesTotal.Load() }

// Resolve returns ready-to-load assets for the descriptor. Cached, valid
// files are reused; missing or corrupt ones are (re)downloaded. Failures
// return a ResolutionError and leave previously valid files in place.
func (s *Store) Resolve(ctx context.Context, desc Descriptor) (Assets, error) {
	key := s.cacheKey(desc)
	if cached, ok := s.assets.Get(key); ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.resolve(ctx, desc, key)
	})
	if err != nil {
		return Assets{}, err
	}

	resolved := v.(Assets)
	s.assets.Add(key, resolved)
	return resolved, nil
}

func (s *Store) cacheKey(desc Descriptor) string {
	return fmt.Sprintf("%s-%s", desc.Key(), s.format)
}

func (s *Store) resolve(ctx context.Context, desc Descriptor, key string) (Assets, error) {
	files, err := desc.Assets(s.format)
	if err != nil {
		return Assets{}, err
	}
	repo, err := desc.Repo(s.format)
	if err != nil {
		return Assets{}, err
	}

	if s.progress != nil {
		s.progress("", StageResolving, 0, 0, -1)
	}

	entryDir := filepath.Join(s.dir, key)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return Assets{}, diskErr("", err)
	}

	known, err := s.manifest.Lookup(ctx, key)
	if err != nil {
		return Assets{}, diskErr("", err)
	}

	out := Assets{
		Descriptor: desc,
		Format:     s.format,
		Dir:        entryDir,
		Files:      make(map[string]string, len(files)),
		Checksums:  make(map[string]string, len(files)),
	}

	for _, file := range files {
		localPath := filepath.Join(entryDir, filepath.FromSlash(file.Local))

		sha, ok, err := s.verifyExisting(localPath, file.Local, known)
		if err != nil {
			return Assets{}, err
		}
		if !ok {
			url := fmt.Sprintf("%s/%s/resolve/main/%s", s.baseURL, repo, file.Remote)
			s.log.Info("downloading model asset", "model", desc.Key(), "file", file.Local)

			sha2, size, err := s.fetchFile(ctx, url, localPath, file.Local)
			if err != nil {
				return Assets{}, err
			}
			s.bytesTotal.Add(size)
			rec := AssetRecord{
				DescriptorKey: key,
				File:          file.Local,
				SHA256:        sha2,
				Size:          size,
				DownloadedAt:  s.clock().UTC(),
			}
			if err := s.manifest.Upsert(ctx, rec); err != nil {
				return Assets{}, diskErr(file.Local, err)
			}
			sha = sha2
		}

		out.Files[file.Local] = localPath
		out.Checksums[file.Local] = sha
	}

	out.Primary = out.Files[files[0].Local]
	if s.format == FormatONNX {
		out.Primary = entryDir
	}

	s.log.Info("model assets ready", "model", desc.Key(), "format", s.format, "files", len(files))
	return out, nil
}

// verifyExisting re-hashes a cached file against the manifest. It reports
// ok=false when the file must be downloaded: missing, unrecorded, or its
// digest drifted from the manifest entry.
func (s *Store) verifyExisting(path, local string, known map[string]AssetRecord) (string, bool, error) {
	rec, recorded := known[local]
	if !recorded {
		return "", false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, diskErr(local, err)
	}

	if s.progress != nil {
		s.progress(local, StageVerifying, 0, rec.Size, -1)
	}
	sha, size, err := hashFile(path)
	if err != nil {
		return "", false, diskErr(local, err)
	}
	if sha != rec.SHA256 || size != rec.Size {
		s.log.Warn("cached model asset failed verification, re-downloading",
			"file", local, "want_sha", rec.SHA256, "got_sha", sha)
		return "", false, nil
	}
	if s.progress != nil {
		s.progress(local, StageReady, size, size, 100)
	}
	return sha, true, nil
}

// Cached lists the models currently recorded in the manifest.
func (s *Store) Cached(ctx context.Context) ([]CachedModel, error) {
	records, err := s.manifest.List(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*CachedModel)
	var order []string
	for _, rec := range records {
		entry, ok := byKey[rec.DescriptorKey]
		if !ok {
			entry = &CachedModel{DescriptorKey: rec.DescriptorKey}
			byKey[rec.DescriptorKey] = entry
			order = append(order, rec.DescriptorKey)
		}
		entry.Files++
		entry.TotalBytes += rec.Size
		if rec.DownloadedAt.After(entry.DownloadedAt) {
			entry.DownloadedAt = rec.DownloadedAt
		}
	}

	out := make([]CachedModel, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}
