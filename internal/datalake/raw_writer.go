package datalake

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"footprint-core/pkg/logger"
)

// RawEnvelope is the on-disk shape of one captured frame.
type RawEnvelope struct {
	Raw string `json:"raw"`
}

// RawWriter appends captured frames into per-minute files under raw_tns.
type RawWriter struct {
	root   string
	symbol string
	logger *zap.Logger

	mu      sync.Mutex
	curKey  string
	curFile *os.File
	written int64
}

// NewRawWriter writes frames for symbol below root.
func NewRawWriter(root, symbol string, log *zap.Logger) *RawWriter {
	return &RawWriter{root: root, symbol: symbol, logger: logger.OrNop(log).Named("raw_writer")}
}

// RawKey is the minute file that receives frames captured at t.
func RawKey(symbol string, t time.Time) string {
	t = t.UTC()
	return path.Join(RawPrefix, symbol, t.Format("2006/01/02/15"), t.Format("04")+".jsonl")
}

// Append writes frame as one {"raw": ...} line into the minute file of receivedAt.
func (w *RawWriter) Append(receivedAt time.Time, frame string) error {
	line, err := json.Marshal(RawEnvelope{Raw: frame})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	key := RawKey(w.symbol, receivedAt)
	if key != w.curKey {
		if err := w.rotate(key); err != nil {
			return err
		}
	}
	if _, err := w.curFile.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	w.written++
	return nil
}

func (w *RawWriter) rotate(key string) error {
	if w.curFile != nil {
		if err := w.curFile.Close(); err != nil {
			w.logger.Warn("close raw file", zap.String("key", w.curKey), zap.Error(err))
		}
		w.curFile = nil
	}
	dst := filepath.Join(w.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	w.curKey = key
	w.curFile = f
	w.logger.Debug("raw file opened", zap.String("key", key))
	return nil
}

// Written returns the number of frames appended so far.
func (w *RawWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close closes the current minute file.
func (w *RawWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return nil
	}
	err := w.curFile.Close()
	w.curFile = nil
	w.curKey = ""
	return err
}
