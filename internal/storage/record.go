package storage

import (
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// storedRecord is the msgpack value kept by the key-value backends. The vector
// goes through codec so the stored bits are exactly the input bits.
type storedRecord struct {
	ProductID int64     `msgpack:"p"`
	Vector    []byte    `msgpack:"v"`
	CreatedAt time.Time `msgpack:"c"`
	UpdatedAt time.Time `msgpack:"u"`
}

// recordKey encodes a product id so that byte order equals numeric order.
func recordKey(id types.ProductID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id)^(1<<63))
	return k[:]
}

func keyProductID(k []byte) types.ProductID {
	return types.ProductID(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

func marshalRecord(rec types.EmbeddingRecord) ([]byte, error) {
	return msgpack.Marshal(&storedRecord{
		ProductID: rec.ProductID,
		Vector:    codec.Encode(rec.Vector),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

func unmarshalRecord(data []byte) (types.EmbeddingRecord, error) {
	var sr storedRecord
	if err := msgpack.Unmarshal(data, &sr); err != nil {
		return types.EmbeddingRecord{}, err
	}
	vec, err := codec.Decode(sr.Vector)
	if err != nil {
		return types.EmbeddingRecord{}, err
	}
	return types.EmbeddingRecord{
		ProductID: sr.ProductID,
		Vector:    vec,
		CreatedAt: sr.CreatedAt.UTC(),
		UpdatedAt: sr.UpdatedAt.UTC(),
	}, nil
}

// prepareUpsert validates input and merges it with the previous record, if any.
func prepareUpsert(op string, dim int, id types.ProductID, vector types.Vector, prev *types.EmbeddingRecord, now time.Time) (types.EmbeddingRecord, error) {
	if id <= 0 {
		return types.EmbeddingRecord{}, errs.InvalidArgument(op, "product id must be positive, got %d", id)
	}
	if err := codec.Validate(vector, dim); err != nil {
		return types.EmbeddingRecord{}, err
	}
	rec := types.EmbeddingRecord{
		ProductID: id,
		Vector:    vector.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	return rec, nil
}
