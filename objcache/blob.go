package objcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

const (
	blobMagic   = "FDRYPIPE"
	blobVersion = uint32(1)
	// magic, version, payload length, checksum
	blobHeaderSize = len(blobMagic) + 4 + 8 + 8
)

// ErrCorruptBlob is returned by DecodeBlob for data that was not produced by EncodeBlob, was
// produced by a different version, or was damaged
var ErrCorruptBlob = errors.New("corrupt pipeline cache blob")

func blobChecksum(payload []byte) uint64 {
	hash := fnv.New64a()
	_, _ = hash.Write(payload)
	return hash.Sum64()
}

// EncodeBlob wraps pipeline cache data in a header that lets DecodeBlob detect truncated,
// damaged or foreign files
func EncodeBlob(payload []byte) []byte {
	blob := make([]byte, 0, blobHeaderSize+len(payload))
	blob = append(blob, blobMagic...)
	blob = binary.LittleEndian.AppendUint32(blob, blobVersion)
	blob = binary.LittleEndian.AppendUint64(blob, uint64(len(payload)))
	blob = binary.LittleEndian.AppendUint64(blob, blobChecksum(payload))
	return append(blob, payload...)
}

// DecodeBlob validates a blob produced by EncodeBlob and returns its payload
func DecodeBlob(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, errors.Wrapf(ErrCorruptBlob, "%d bytes is too short for the header", len(blob))
	}
	if !bytes.Equal(blob[:len(blobMagic)], []byte(blobMagic)) {
		return nil, errors.Wrap(ErrCorruptBlob, "unrecognized magic")
	}

	header := blob[len(blobMagic):]
	version := binary.LittleEndian.Uint32(header)
	if version != blobVersion {
		return nil, errors.Wrapf(ErrCorruptBlob, "version %d, expected %d", version, blobVersion)
	}

	length := binary.LittleEndian.Uint64(header[4:])
	checksum := binary.LittleEndian.Uint64(header[12:])
	payload := blob[blobHeaderSize:]
	if uint64(len(payload)) != length {
		return nil, errors.Wrapf(ErrCorruptBlob, "header records %d payload bytes, found %d", length, len(payload))
	}
	if blobChecksum(payload) != checksum {
		return nil, errors.Wrap(ErrCorruptBlob, "checksum mismatch")
	}

	return payload, nil
}

// LoadBlob seeds the device's pipeline cache from a file written by SaveBlob. A missing,
// damaged or incompatible file is not an error: the device starts from an empty pipeline cache
// instead, so that SaveBlob has compiled pipelines to write back.
func (c *Cache) LoadBlob(path string) error {
	blob, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "no pipeline cache found, starting empty",
			slog.String("path", path))
		return c.loadEmptyPipelineCache()
	} else if err != nil {
		return errors.Wrapf(err, "failed to read pipeline cache %s", path)
	}

	payload, err := DecodeBlob(blob)
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "ignoring pipeline cache",
			slog.String("path", path),
			slog.Any("error", err))
		return c.loadEmptyPipelineCache()
	}

	err = c.driver.LoadPipelineCache(payload)
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "device rejected pipeline cache",
			slog.String("path", path),
			slog.Any("error", err))
		return c.loadEmptyPipelineCache()
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "loaded pipeline cache",
		slog.String("path", path),
		slog.Int("bytes", len(payload)))
	return nil
}

func (c *Cache) loadEmptyPipelineCache() error {
	err := c.driver.LoadPipelineCache(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create an empty pipeline cache")
	}
	return nil
}

// SaveBlob writes the device's pipeline cache data to path. The file is replaced atomically.
func (c *Cache) SaveBlob(path string) error {
	payload, err := c.driver.PipelineCacheData()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve pipeline cache data")
	}

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create pipeline cache file")
	}
	tempPath := file.Name()

	_, err = file.Write(EncodeBlob(payload))
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrapf(err, "failed to write %s", tempPath)
	}

	err = os.Rename(tempPath, path)
	if err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrapf(err, "failed to replace %s", path)
	}

	return nil
}
