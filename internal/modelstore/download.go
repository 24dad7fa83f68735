package modelstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	downloadChunkSize = 64 * 1024
	// Anything smaller than this is an error page or a truncated write,
	// never a real model asset.
	minValidAssetSize = 100
	tmpSuffix         = ".tmp"
	progressMinGap    = 200 * time.Millisecond
)

// fetchFile streams url into finalPath via a .tmp sibling, hashing while it
// writes. The final file appears only after the payload validates; every
// failure removes the staging file and leaves finalPath untouched.
func (s *Store) fetchFile(ctx context.Context, url, finalPath, displayName string) (sha string, size int64, err error) {
	tmpPath := finalPath + tmpSuffix

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, networkErr(displayName, fmt.Errorf("building request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, networkErr(displayName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, networkErr(displayName, fmt.Errorf("unexpected status %s", resp.Status))
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", 0, diskErr(displayName, err)
	}
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, diskErr(displayName, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	total := resp.ContentLength
	hasher := sha256.New()
	buf := make([]byte, downloadChunkSize)

	var written int64
	lastPercent := -1
	lastEmit := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return "", 0, networkErr(displayName, ctx.Err())
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", 0, diskErr(displayName, werr)
			}
			hasher.Write(buf[:n])
			written += int64(n)

			if s.progress != nil {
				percent := -1
				if total > 0 {
					percent = int(written * 100 / total)
				}
				now := s.clock()
				if percent != lastPercent || now.Sub(lastEmit) >= progressMinGap {
					s.progress(displayName, StageDownloading, written, total, percent)
					lastPercent = percent
					lastEmit = now
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, networkErr(displayName, readErr)
		}
	}

	if err = validatePayload(out, finalPath, written); err != nil {
		return "", 0, checksumErr(displayName, err)
	}
	if err = out.Sync(); err != nil {
		return "", 0, diskErr(displayName, err)
	}
	if err = out.Close(); err != nil {
		return "", 0, diskErr(displayName, err)
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, diskErr(displayName, err)
	}

	if s.progress != nil {
		s.progress(displayName, StageReady, written, total, 100)
	}
	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// validatePayload rejects downloads that are obviously not the asset:
// truncated files, HTML error pages, and JSON sidecars that do not parse.
func validatePayload(f *os.File, finalPath string, size int64) error {
	if size < minValidAssetSize {
		return fmt.Errorf("payload too small (%d bytes)", size)
	}

	head := make([]byte, 512)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading payload head: %w", err)
	}
	if looksLikeHTML(head[:n]) {
		return fmt.Errorf("payload is an HTML page, not a model asset")
	}

	if strings.HasSuffix(finalPath, ".json") {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding payload: %w", err)
		}
		var v any
		if err := json.NewDecoder(f).Decode(&v); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}
	return nil
}

func looksLikeHTML(head []byte) bool {
	trimmed := bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(trimmed, []byte("<!doctype html")) ||
		bytes.HasPrefix(trimmed, []byte("<html"))
}

// hashFile computes the sha256 of an existing file, for cache verification.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// cleanupStaleTemp removes leftover .tmp files from interrupted downloads.
func cleanupStaleTemp(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
		removed++
		return nil
	})
	if os.IsNotExist(err) {
		return removed, nil
	}
	return removed, err
}
