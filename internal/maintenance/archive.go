package maintenance

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const archiveExt = ".jsonl.zst"

// archive compresses the transcript at src into dir as
// <key>-<date>.jsonl.zst and returns the archive path. An existing archive
// for the same key and day gets a numeric suffix instead of being replaced.
func archive(src, dir, key string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	base := fmt.Sprintf("%s-%s", key, now.UTC().Format("2006-01-02"))
	dst := filepath.Join(dir, base+archiveExt)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, i, archiveExt))
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("finishing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// ReadArchive decompresses an archived transcript.
func ReadArchive(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
