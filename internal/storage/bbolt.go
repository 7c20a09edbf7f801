// Package storage is the durable side of the coordinator: rooms, message
// history, and identity tokens in a single bbolt file, msgpack-encoded.
// It is the source of truth for room history backfill.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.etcd.io/bbolt"

	"palaver/internal/models"
)

var (
	bucketRooms    = []byte("rooms")
	bucketMessages = []byte("messages")
	bucketTokens   = []byte("tokens")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketMessages, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertRoom saves room metadata. Membership is not persisted here; the
// room manager owns the live member index.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		dbRoom := DBRoom{
			ID:        room.ID,
			Name:      room.Name,
			CreatedBy: room.CreatedBy,
			CreatedAt: room.CreatedAt,
			Default:   room.Default,
			Direct:    room.Direct,
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbRoom.Key(), data)
	})
}

// DeleteRoom removes room metadata and its message history.
func (s *BboltStorage) DeleteRoom(roomID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRooms).Delete([]byte(roomID)); err != nil {
			return err
		}
		err := tx.Bucket(bucketMessages).DeleteBucket([]byte(roomID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// ListRooms returns all rooms stored in the database.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, models.Room{
				ID:        dbRoom.ID,
				Name:      dbRoom.Name,
				CreatedBy: dbRoom.CreatedBy,
				CreatedAt: dbRoom.CreatedAt,
				Default:   dbRoom.Default,
				Direct:    dbRoom.Direct,
			})
			return nil
		})
	})
	return rooms, err
}

// AppendMessage saves a message under its room, keyed by commit sequence.
// Used both for the initial append and for edit/tombstone updates.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	if message.RoomID == "" {
		return errors.New("message missing roomID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		dbMessage := toDBMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return roomBucket.Put(dbMessage.Key(), data)
	})
}

// LastSeq returns the highest committed sequence for a room, or 0.
func (s *BboltStorage) LastSeq(roomID string) (int64, error) {
	var seq int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		k, _ := roomBucket.Cursor().Last()
		if k != nil {
			seq = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return seq, err
}

// RoomHistory returns up to limit messages with seq < beforeSeq in ascending
// order. beforeSeq <= 0 means "from the latest". Each call is a fresh
// snapshot; callers paginate by passing the first returned seq back in.
func (s *BboltStorage) RoomHistory(roomID string, beforeSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // no history for this room
		}

		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(beforeSeq))

		c := roomBucket.Cursor()
		k, v := c.Seek(maxKey)
		if k == nil {
			k, v = c.Last()
		} else if bytes.Compare(k, maxKey) >= 0 {
			k, v = c.Prev()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest-first; callers want commit order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *BboltStorage) UpsertToken(token DBToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := token.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(token.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(hash))
	})
}

// ListTokens returns all persisted tokens, including expired ones; the
// verifier filters on load.
func (s *BboltStorage) ListTokens() ([]DBToken, error) {
	var tokens []DBToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var t DBToken
			if err := t.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens = append(tokens, t)
			return nil
		})
	})
	return tokens, err
}

func toDBMessage(m models.Message) DBMessage {
	db := DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Kind:      string(m.Kind),
		Body:      m.Body,
		ReplyTo:   m.ReplyTo,
		CreatedAt: m.CreatedAt,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		Reactions: m.Reactions,
	}
	if m.File != nil {
		db.File = &DBFileMeta{
			Name:     m.File.Name,
			MimeType: m.File.MimeType,
			Size:     m.File.Size,
			FileID:   m.File.FileID,
		}
	}
	return db
}

func fromDBMessage(db DBMessage) models.Message {
	m := models.Message{
		ID:        db.ID,
		Seq:       db.Seq,
		RoomID:    db.RoomID,
		AuthorID:  db.AuthorID,
		Kind:      models.MessageKind(db.Kind),
		Body:      db.Body,
		ReplyTo:   db.ReplyTo,
		CreatedAt: db.CreatedAt,
		Edited:    db.Edited,
		Deleted:   db.Deleted,
		Reactions: db.Reactions,
	}
	if db.File != nil {
		m.File = &models.FileMeta{
			Name:     db.File.Name,
			MimeType: db.File.MimeType,
			Size:     db.File.Size,
			FileID:   db.File.FileID,
		}
	}
	return m
}
