package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedBy string `msgpack:"createdBy"`
	CreatedAt int64  `msgpack:"createdAt"`
	Default   bool   `msgpack:"default"`
	Direct    bool   `msgpack:"direct"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBFileMeta struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	Size     int64  `msgpack:"size"`
	FileID   string `msgpack:"fileId"`
}

type DBMessage struct {
	ID        string              `msgpack:"id"`
	Seq       int64               `msgpack:"seq"`
	RoomID    string              `msgpack:"roomId"`
	AuthorID  string              `msgpack:"authorId"`
	Kind      string              `msgpack:"kind"`
	Body      string              `msgpack:"body"`
	ReplyTo   string              `msgpack:"replyTo"`
	CreatedAt int64               `msgpack:"createdAt"`
	Edited    bool                `msgpack:"edited"`
	Deleted   bool                `msgpack:"deleted"`
	Reactions map[string][]string `msgpack:"reactions"`
	File      *DBFileMeta         `msgpack:"file"`
}

// Key is the big-endian per-room sequence so a bucket cursor walks
// messages in commit order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBToken is a persisted identity token. Hash is the blake2b-256 of the
// raw token; the raw value is never stored.
type DBToken struct {
	Hash      string `msgpack:"hash"`
	UserID    string `msgpack:"userId"`
	Role      string `msgpack:"role"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Hash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}
