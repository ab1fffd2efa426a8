package datalake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"footprint-core/internal/footprint"
	"footprint-core/pkg/logger"
)

// Top-level prefixes of the lake.
const (
	RawPrefix       = "raw_tns"
	RawBackupPrefix = "raw_tns_backup"
	OutputPrefix    = "footprint"
)

// RawObject is one raw capture file belonging to a partition.
type RawObject struct {
	// Key is the slash-separated path relative to the lake root.
	Key  string
	Size int64
}

// FileStore is a data lake rooted in a local directory.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore returns a store rooted at root. The directory is created lazily on first write.
func NewFileStore(root string, log *zap.Logger) *FileStore {
	return &FileStore{root: root, logger: logger.OrNop(log).Named("datalake")}
}

// Root returns the lake directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) abs(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// OutputKey is where the candles of a partition are stored.
func OutputKey(p Partition, timeframe string) string {
	return path.Join(OutputPrefix, p.Symbol, timeframe, p.Hour.Format("2006/01/02/15")+".jsonl")
}

// SanityKey is where the reconciliation report of a partition is stored.
func SanityKey(p Partition, timeframe string) string {
	return path.Join(OutputPrefix, p.Symbol, timeframe, p.Hour.Format("2006/01/02/15")+"_sanity.json")
}

// ListRaw returns every raw object of the partition from both the primary and the
// backup capture trees, ordered by key. A partition without captures yields an
// empty list, not an error.
func (s *FileStore) ListRaw(ctx context.Context, p Partition) ([]RawObject, error) {
	var out []RawObject
	for _, prefix := range []string{RawPrefix, RawBackupPrefix} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dayKey := path.Join(prefix, p.Symbol, p.Hour.Format("2006/01/02"))
		hh := p.Hour.Format("15")

		entries, err := os.ReadDir(s.abs(dayKey))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dayKey, err)
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), hh) {
				continue
			}
			key := path.Join(dayKey, e.Name())
			if !e.IsDir() {
				if obj, ok := s.stat(key); ok {
					out = append(out, obj)
				}
				continue
			}
			err := filepath.WalkDir(s.abs(key), func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(s.root, p)
				if err != nil {
					return err
				}
				if obj, ok := s.stat(filepath.ToSlash(rel)); ok {
					out = append(out, obj)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", key, err)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileStore) stat(key string) (RawObject, bool) {
	info, err := os.Stat(s.abs(key))
	if err != nil || !info.Mode().IsRegular() {
		return RawObject{}, false
	}
	return RawObject{Key: key, Size: info.Size()}, true
}

// OpenRaw opens a raw object returned by ListRaw.
func (s *FileStore) OpenRaw(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.abs(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// WriteCandles replaces the output object of a partition with payload.
func (s *FileStore) WriteCandles(_ context.Context, p Partition, timeframe string, payload []byte) (string, error) {
	key := OutputKey(p, timeframe)
	if err := s.writeAtomic(key, payload); err != nil {
		return "", err
	}
	s.logger.Debug("candles written", zap.String("key", key), zap.Int("bytes", len(payload)))
	return key, nil
}

// Persist encodes candles as NDJSON and replaces the partition output.
func (s *FileStore) Persist(ctx context.Context, p Partition, timeframe string, candles []footprint.Candle) (string, error) {
	payload, err := footprint.EncodeNDJSON(candles)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", p.Key(), err)
	}
	return s.WriteCandles(ctx, p, timeframe, payload)
}

// ReadCandles returns the stored NDJSON of a partition.
func (s *FileStore) ReadCandles(_ context.Context, p Partition, timeframe string) ([]byte, error) {
	key := OutputKey(p, timeframe)
	b, err := os.ReadFile(s.abs(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

// WriteSanity stores a reconciliation report next to the partition output.
func (s *FileStore) WriteSanity(_ context.Context, p Partition, timeframe string, payload []byte) error {
	return s.writeAtomic(SanityKey(p, timeframe), payload)
}

// writeAtomic writes to a temp file in the target directory and renames it into
// place, so readers never observe a partial object.
func (s *FileStore) writeAtomic(key string, payload []byte) error {
	dst := s.abs(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}
