// Package blockmirror implements the in-memory-mirror backend with
// asynchronous flush.
//
// Every file is mirrored entirely in memory, so reads and writes are
// synchronous and never touch the host store. Durability is relaxed: the
// engine's sync() snapshots the dirty blocks and hands them to a background
// flusher, which commits each snapshot as one transaction to an embedded
// key-value store. A crash between sync() returning and the flush landing
// loses the most recent writes by design.
package blockmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/embedql/vfskit/pkg/vfs"
)

// Key namespace
// =============
//
// The store is a flat key-value space organized by prefix:
//
//	Data type      Prefix  Key format             Value
//	----------------------------------------------------------------
//	File metadata  "m:"    m:<name>               fileMeta (JSON)
//	Block payload  "b:"    b:<name>:<offset hex>  raw block bytes
//
// Offsets are fixed-width lowercase hex so a prefix scan over
// "b:<name>:" yields blocks in file order.

const (
	prefixMeta  = "m:"
	prefixBlock = "b:"

	// storeVersion is the consistency marker written into every file's
	// metadata record. A record with a different version is treated as
	// corrupt rather than reinterpreted.
	storeVersion = 1
)

func keyMeta(name string) []byte {
	return []byte(prefixMeta + name)
}

func keyBlock(name string, offset int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixBlock, name, offset))
}

func blockPrefix(name string) []byte {
	return []byte(prefixBlock + name + ":")
}

// parseBlockOffset recovers the offset from a block key produced by
// keyBlock.
func parseBlockOffset(key []byte, prefix []byte) (int64, error) {
	hexPart := strings.TrimPrefix(string(key), string(prefix))
	offset, err := strconv.ParseUint(hexPart, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("malformed block key %q: %w", key, vfs.ErrCorrupt)
	}
	return int64(offset), nil
}

// fileMeta is the per-file metadata record.
type fileMeta struct {
	Size      int64 `json:"size"`
	BlockSize int64 `json:"block_size"`
	Version   int   `json:"version"`
}

// FileImage is a file's complete persisted state as loaded at preload time.
type FileImage struct {
	Size      int64
	BlockSize int64
	Blocks    map[int64][]byte
}

// Snapshot is the immutable unit handed to the flusher: the dirty block
// copies plus the file geometry at the moment sync() was called. Blocks at
// or past Size have been truncated away and are deleted by the commit.
type Snapshot struct {
	Size      int64
	BlockSize int64
	Blocks    map[int64][]byte
}

// BlockStore is the transactional backing store for mirrored files.
// Load and Wipe are asynchronous host operations used only during install
// and maintenance; Commit and Delete run on the background flusher.
type BlockStore interface {
	// Load fetches the persisted images of the named files; a nil or
	// empty names slice loads everything.
	Load(ctx context.Context, names []string) (map[string]*FileImage, error)

	// Commit atomically applies one snapshot: metadata, dirty blocks, and
	// removal of blocks past the snapshot size.
	Commit(ctx context.Context, name string, snap *Snapshot) error

	// Delete removes a file's metadata and blocks.
	Delete(ctx context.Context, name string) error

	// Wipe removes everything.
	Wipe(ctx context.Context) error

	Close() error
}

// BadgerStore implements BlockStore on BadgerDB, an embedded
// transactional key-value store. Each Commit is a single read-write
// transaction, so a crash can never persist half a snapshot.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the store at path.
func NewBadgerStore(ctx context.Context, path string) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts = opts.WithLoggingLevel(badger.WARNING)
	// Block payloads are page-sized and already high-entropy; compression
	// buys nothing for database pages.
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", classifyStoreError(err))
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(ctx context.Context, names []string) (map[string]*FileImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	images := make(map[string]*FileImage)

	err := s.db.View(func(txn *badger.Txn) error {
		wanted := func(string) bool { return true }
		if len(names) > 0 {
			set := make(map[string]bool, len(names))
			for _, n := range names {
				set[n] = true
			}
			wanted = func(n string) bool { return set[n] }
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixMeta)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), prefixMeta)
			if !wanted(name) {
				continue
			}

			var meta fileMeta
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("metadata for %q: %w", name, vfs.ErrCorrupt)
			}
			if meta.Version != storeVersion {
				return fmt.Errorf("metadata for %q has version %d, want %d: %w",
					name, meta.Version, storeVersion, vfs.ErrCorrupt)
			}

			image := &FileImage{Size: meta.Size, BlockSize: meta.BlockSize, Blocks: make(map[int64][]byte)}
			if err := loadBlocks(txn, name, image); err != nil {
				return err
			}
			images[name] = image
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

func loadBlocks(txn *badger.Txn, name string, image *FileImage) error {
	prefix := blockPrefix(name)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		offset, err := parseBlockOffset(item.Key(), prefix)
		if err != nil {
			return err
		}
		block, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("block %q@%d: %w", name, offset, classifyStoreError(err))
		}
		if int64(len(block)) != image.BlockSize {
			return fmt.Errorf("block %q@%d is %d bytes, want %d: %w",
				name, offset, len(block), image.BlockSize, vfs.ErrCorrupt)
		}
		image.Blocks[offset] = block
	}
	return nil
}

func (s *BadgerStore) Commit(ctx context.Context, name string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		meta := fileMeta{Size: snap.Size, BlockSize: snap.BlockSize, Version: storeVersion}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := txn.Set(keyMeta(name), encoded); err != nil {
			return err
		}

		for offset, block := range snap.Blocks {
			if offset >= snap.Size {
				continue
			}
			if err := txn.Set(keyBlock(name, offset), block); err != nil {
				return err
			}
		}

		// Drop persisted blocks the snapshot truncated away.
		return deleteBlocksFrom(txn, name, snap.Size)
	})
	if err != nil {
		return fmt.Errorf("commit %q: %w", name, classifyStoreError(err))
	}
	return nil
}

// deleteBlocksFrom removes every persisted block of name whose offset is at
// or past from.
func deleteBlocksFrom(txn *badger.Txn, name string, from int64) error {
	prefix := blockPrefix(name)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})

	var doomed [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		offset, err := parseBlockOffset(key, prefix)
		if err != nil {
			it.Close()
			return err
		}
		if offset >= from {
			doomed = append(doomed, key)
		}
	}
	it.Close()

	for _, key := range doomed {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(keyMeta(name)); err != nil {
			return err
		}
		return deleteBlocksFrom(txn, name, 0)
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, classifyStoreError(err))
	}
	return nil
}

func (s *BadgerStore) Wipe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("wipe block store: %w", classifyStoreError(err))
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// classifyStoreError folds store failures into the backend error taxonomy.
// Quota exhaustion surfaces as vfs.ErrFull so install callers can tell it
// apart from a corrupt store.
func classifyStoreError(err error) error {
	switch {
	case errors.Is(err, vfs.ErrCorrupt) || errors.Is(err, vfs.ErrFull):
		return err
	case errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) || errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", vfs.ErrFull, err)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", vfs.ErrInvalidState, err)
	default:
		return fmt.Errorf("%w: %v", vfs.ErrIO, err)
	}
}
