// Package diskref provides a reference DiskManager implementation backed by
// go.etcd.io/bbolt, a concrete collaborator for exercising the Piece
// Completion Pipeline end to end. The engine's own tests do not use it; they
// use an in-memory fake DiskManager. Disk scheduling itself is a
// non-goal of the spec; this is a minimal, correct collaborator, not a
// performance-oriented storage backend.
package diskref

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	engine "github.com/nightglass/peerengine"
)

var blocksBucket = []byte("blocks")

// Store is a bbolt-backed block store keyed by (torrent infohash, piece
// index, offset).
type Store struct {
	db        *bolt.DB
	hashWidth int // 20 for SHA-1 (v1), 32 for SHA-256 (v2)
}

// Open opens or creates the bbolt database at path. hashWidth selects the
// piece-hash family this store computes on GetHash: 20 for v1 torrents, 32
// for v2.
func Open(path string, hashWidth int) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, hashWidth: hashWidth}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func blockKey(torrentID [20]byte, pieceIndex, offset int) []byte {
	key := make([]byte, 20+4+4)
	copy(key, torrentID[:])
	binary.BigEndian.PutUint32(key[20:], uint32(pieceIndex))
	binary.BigEndian.PutUint32(key[24:], uint32(offset))
	return key
}

func piecePrefix(torrentID [20]byte, pieceIndex int) []byte {
	key := make([]byte, 20+4)
	copy(key, torrentID[:])
	binary.BigEndian.PutUint32(key[20:], uint32(pieceIndex))
	return key
}

// Write persists one block's bytes; Adapter exposes it as
// engine.DiskManager's Write.
func (s *Store) Write(ctx context.Context, torrentID [20]byte, pieceIndex, offset int, data []byte) error {
	key := blockKey(torrentID, pieceIndex, offset)
	stored := make([]byte, len(data))
	copy(stored, data)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(key, stored)
	})
}

// GetHash concatenates every stored block for pieceIndex in offset order
// and hashes the result; Adapter exposes it as engine.DiskManager's
// GetHash. ok is false if no blocks are stored for the piece.
func (s *Store) GetHash(ctx context.Context, torrentID [20]byte, pieceIndex int) (hash []byte, ok bool, err error) {
	prefix := piecePrefix(torrentID, pieceIndex)
	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blocksBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	switch s.hashWidth {
	case 32:
		sum := sha256.Sum256(data)
		return sum[:], true, nil
	default:
		sum := sha1.Sum(data)
		return sum[:], true, nil
	}
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Err wraps a bbolt error with the piece/block coordinates that failed, for
// callers that want more than bbolt's own message.
func Err(op string, torrentID [20]byte, pieceIndex int, cause error) error {
	return fmt.Errorf("diskref: %s piece %d of %x: %w", op, pieceIndex, torrentID, cause)
}

// Adapter satisfies engine.DiskManager against a Store, translating the
// engine's BlockInfo-shaped calls into Store's (pieceIndex, offset) calls.
type Adapter struct {
	Store *Store
}

func (a Adapter) Write(ctx context.Context, torrentID [20]byte, block engine.BlockInfo, data []byte) error {
	return a.Store.Write(ctx, torrentID, block.PieceIndex, block.Offset, data)
}

func (a Adapter) GetHash(ctx context.Context, torrentID [20]byte, pieceIndex int) (engine.PieceHash, bool, error) {
	hash, ok, err := a.Store.GetHash(ctx, torrentID, pieceIndex)
	return engine.PieceHash(hash), ok, err
}
