// Package fingerprint derives the cache and deduplication key for a
// transformation request from the source content hash, the canonicalized
// transform spec and the output format.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"

	"imagemill/internal/model"
)

// New computes the fingerprint for (sourceContentHash, spec, outputFormat).
// It is a pure function: identical triples always yield identical digests.
//
// Operation order is preserved as-is; only parameter encoding is
// canonicalized. Each operation is serialized with a fixed per-kind field
// order, integers in decimal and floats through strconv's shortest 'g' form,
// and every field is length-prefixed so adjacent values cannot collide.
func New(sourceContentHash string, spec model.TransformSpec, outputFormat model.Format) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if sourceContentHash == "" {
		return "", model.Validationf("missing source content hash")
	}

	h := sha256.New()
	writeField(h, []byte(sourceContentHash))
	writeField(h, []byte(outputFormat))

	writeInt(h, len(spec.Ops))
	for _, op := range spec.Ops {
		writeOp(h, op)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeOp(h hash.Hash, op model.Op) {
	writeField(h, []byte(op.Kind))

	switch op.Kind {
	case model.OpResize:
		writeInt(h, op.Width)
		writeInt(h, op.Height)
	case model.OpCrop:
		writeInt(h, op.X)
		writeInt(h, op.Y)
		writeInt(h, op.Width)
		writeInt(h, op.Height)
	case model.OpRotate:
		writeFloat(h, op.Degrees)
	case model.OpFlip:
		writeField(h, []byte(op.Axis))
	case model.OpWatermark:
		writeField(h, []byte(op.OverlayRef))
		writeField(h, []byte(op.Text))
		writeField(h, []byte(op.EffectivePosition()))
		writeFloat(h, op.EffectiveOpacity())
	case model.OpFormat:
		writeField(h, []byte(op.Target))
	case model.OpCompress:
		writeInt(h, op.Quality)
	case model.OpGrayscale, model.OpSepia, model.OpMirror:
		// Kind alone identifies the operation.
	}
}

func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func writeInt(h hash.Hash, v int) {
	writeField(h, []byte(strconv.Itoa(v)))
}

func writeFloat(h hash.Hash, v float64) {
	writeField(h, []byte(strconv.FormatFloat(v, 'g', -1, 64)))
}
