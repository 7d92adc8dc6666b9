package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// CaptureConfig holds raw page capture settings. Off by default; the
// capture path is audit-only and never part of write confirmation.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
	Codec   string `yaml:"codec"` // zstd (default), lz4, none
}

// Capture archives raw API response pages for audit and replay,
// compressed under root/capture/migration=<id>/year=/month=/day=/.
type Capture struct {
	root    string
	codec   string
	encoder *zstd.Encoder
	logger  *zap.Logger
}

// NewCapture creates the capture archive. Returns nil when disabled.
func NewCapture(cfg CaptureConfig, logger *zap.Logger) (*Capture, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("capture root is required when capture is enabled")
	}

	c := &Capture{root: cfg.Root, codec: cfg.Codec, logger: logger}
	switch cfg.Codec {
	case "", "zstd":
		c.codec = "zstd"
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = enc
	case "lz4", "none":
	default:
		return nil, fmt.Errorf("unsupported capture codec %q", cfg.Codec)
	}

	logger.Info("raw page capture enabled",
		zap.String("root", cfg.Root),
		zap.String("codec", c.codec),
	)
	return c, nil
}

// StorePage writes one raw response page, returning the file path.
func (c *Capture) StorePage(migrationID int64, fetchedAt time.Time, payload []byte) (string, error) {
	var data []byte
	ext := ".json"
	switch c.codec {
	case "zstd":
		data = c.encoder.EncodeAll(payload, nil)
		ext = ".json.zst"
	case "lz4":
		var buf bytes.Buffer
		lw := lz4.NewWriter(&buf)
		if _, err := lw.Write(payload); err != nil {
			return "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := lw.Close(); err != nil {
			return "", fmt.Errorf("lz4 close failed: %w", err)
		}
		data = buf.Bytes()
		ext = ".json.lz4"
	default:
		data = payload
	}

	t := fetchedAt.UTC()
	dir := filepath.Join(
		c.root,
		"capture",
		fmt.Sprintf("migration=%d", migrationID),
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", int(t.Month())),
		fmt.Sprintf("day=%02d", t.Day()),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create capture directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("page-%d-%s%s", t.UnixMilli(), uuid.NewString()[:8], ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write capture file: %w", err)
	}
	return path, nil
}

// Close releases the compression engines.
func (c *Capture) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
}
