package aggregate

import (
	"fmt"

	"github.com/arloliu/stepmeta/endian"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/hash"
)

const (
	// FixedSchemaSlots is the number of schema identities carried by the
	// fixed-size record. A rank with more new schemas forces the fallback.
	FixedSchemaSlots = 4
	// FixedRecordSize is the size of the fixed per-rank record:
	//
	//	attrHash[16] | attrSize | schemaCount | ids[4][16] | sizes[4] | metaSize | dataPos
	FixedRecordSize = 16 + 8 + 8 + FixedSchemaSlots*16 + FixedSchemaSlots*8 + 8 + 8
	// MaxSchemasPerStep bounds the schemas one rank may introduce in one
	// step, one outcome bit each below the attribute bit.
	MaxSchemasPerStep = 63
)

// nodeContrib is the per-rank summary exchanged in the first phase.
type nodeContrib struct {
	attrHash hash.Digest
	attrSize uint64
	// schemaCount may exceed len(schemaIDs) in a fixed record.
	schemaCount uint64
	schemaIDs   []hash.Digest
	schemaSizes []uint64
	metaSize    uint64
	dataPos     uint64
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// appendFixed appends the fixed record of c. Schemas past the slot count
// are only reflected in schemaCount.
func appendFixed(dst []byte, c *nodeContrib) []byte {
	le := endian.GetLittleEndianEngine()

	var digest [16]byte
	c.attrHash.Put(digest[:])
	dst = append(dst, digest[:]...)
	dst = le.AppendUint64(dst, c.attrSize)
	dst = le.AppendUint64(dst, c.schemaCount)
	for i := range FixedSchemaSlots {
		var id hash.Digest
		if i < len(c.schemaIDs) {
			id = c.schemaIDs[i]
		}
		id.Put(digest[:])
		dst = append(dst, digest[:]...)
	}
	for i := range FixedSchemaSlots {
		var size uint64
		if i < len(c.schemaSizes) {
			size = c.schemaSizes[i]
		}
		dst = le.AppendUint64(dst, size)
	}
	dst = le.AppendUint64(dst, c.metaSize)
	dst = le.AppendUint64(dst, c.dataPos)

	return dst
}

func decodeFixed(b []byte) (nodeContrib, error) {
	var c nodeContrib
	if len(b) != FixedRecordSize {
		return c, fmt.Errorf("%w: fixed record of %d bytes", errs.ErrInvalidRecordSize, len(b))
	}
	le := endian.GetLittleEndianEngine()

	c.attrHash = hash.FromBytes(b[0:16])
	c.attrSize = le.Uint64(b[16:])
	c.schemaCount = le.Uint64(b[24:])

	n := int(min(c.schemaCount, FixedSchemaSlots))
	ids := b[32:]
	sizes := b[32+FixedSchemaSlots*16:]
	for i := range n {
		c.schemaIDs = append(c.schemaIDs, hash.FromBytes(ids[16*i:]))
		c.schemaSizes = append(c.schemaSizes, le.Uint64(sizes[8*i:]))
	}

	tail := b[FixedRecordSize-16:]
	c.metaSize = le.Uint64(tail)
	c.dataPos = le.Uint64(tail[8:])

	return c, nil
}

// appendDynamic appends the variable-size record carrying every schema:
//
//	attrHash[16] | attrSize | count | count * (id[16] | size) | metaSize | dataPos
func appendDynamic(dst []byte, c *nodeContrib) []byte {
	le := endian.GetLittleEndianEngine()

	var digest [16]byte
	c.attrHash.Put(digest[:])
	dst = append(dst, digest[:]...)
	dst = le.AppendUint64(dst, c.attrSize)
	dst = le.AppendUint64(dst, uint64(len(c.schemaIDs)))
	for i, id := range c.schemaIDs {
		id.Put(digest[:])
		dst = append(dst, digest[:]...)
		dst = le.AppendUint64(dst, c.schemaSizes[i])
	}
	dst = le.AppendUint64(dst, c.metaSize)
	dst = le.AppendUint64(dst, c.dataPos)

	return dst
}

func decodeDynamic(b []byte) (nodeContrib, error) {
	var c nodeContrib
	le := endian.GetLittleEndianEngine()

	if len(b) < 48 {
		return c, fmt.Errorf("%w: dynamic record of %d bytes", errs.ErrInvalidRecordSize, len(b))
	}
	c.attrHash = hash.FromBytes(b[0:16])
	c.attrSize = le.Uint64(b[16:])
	c.schemaCount = le.Uint64(b[24:])

	if c.schemaCount > MaxSchemasPerStep || uint64(len(b)) != 48+24*c.schemaCount {
		return c, fmt.Errorf("%w: dynamic record of %d bytes announces %d schemas",
			errs.ErrInvalidRecordSize, len(b), c.schemaCount)
	}

	pos := 32
	for range c.schemaCount {
		c.schemaIDs = append(c.schemaIDs, hash.FromBytes(b[pos:]))
		c.schemaSizes = append(c.schemaSizes, le.Uint64(b[pos+16:]))
		pos += 24
	}
	c.metaSize = le.Uint64(b[pos:])
	c.dataPos = le.Uint64(b[pos+8:])

	return c, nil
}
