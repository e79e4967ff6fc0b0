package searchidx

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// ArtifactVersion is bumped whenever the serialized layout changes.
// A cached artifact with a different version is rebuilt, never migrated.
const ArtifactVersion uint32 = 1

// artifactMagic marks the start of a serialized index artifact.
var artifactMagic = [4]byte{'L', 'W', 'I', 'X'}

// Artifact is a serialized search index: gob-encoded postings, gzip
// compressed, with an xxhash integrity checksum. Owned and persisted by the
// storage layer under the search-index collection.
type Artifact struct {
	Version  uint32
	Checksum uint64
	Payload  []byte
}

// Encode renders the artifact to bytes for storage.
// Layout: magic(4) | version(4, BE) | checksum(8, BE) | payload.
func (a *Artifact) Encode() []byte {
	buf := make([]byte, 0, 16+len(a.Payload))
	buf = append(buf, artifactMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, a.Version)
	buf = binary.BigEndian.AppendUint64(buf, a.Checksum)
	return append(buf, a.Payload...)
}

// DecodeArtifact parses stored artifact bytes, verifying magic, version,
// and checksum. Any mismatch returns ErrCodeIndexCorrupt.
func DecodeArtifact(data []byte) (*Artifact, error) {
	if len(data) < 16 || !bytes.Equal(data[:4], artifactMagic[:]) {
		return nil, corruptErr("not a search index artifact")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != ArtifactVersion {
		return nil, corruptErr(fmt.Sprintf("artifact version %d, expected %d", version, ArtifactVersion))
	}
	checksum := binary.BigEndian.Uint64(data[8:16])
	payload := data[16:]
	if xxhash.Sum64(payload) != checksum {
		return nil, corruptErr("artifact checksum mismatch")
	}
	return &Artifact{Version: version, Checksum: checksum, Payload: payload}, nil
}

// encodeState serializes index state into a fresh artifact.
func encodeState(state *indexState) (*Artifact, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(state); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}
	if err := zw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}

	payload := compressed.Bytes()
	return &Artifact{
		Version:  ArtifactVersion,
		Checksum: xxhash.Sum64(payload),
		Payload:  payload,
	}, nil
}

// decodeState deserializes index state from an artifact.
func decodeState(artifact *Artifact) (*indexState, error) {
	if artifact == nil {
		return nil, corruptErr("nil artifact")
	}
	if artifact.Version != ArtifactVersion {
		return nil, corruptErr(fmt.Sprintf("artifact version %d, expected %d", artifact.Version, ArtifactVersion))
	}
	if xxhash.Sum64(artifact.Payload) != artifact.Checksum {
		return nil, corruptErr("artifact checksum mismatch")
	}

	zr, err := gzip.NewReader(bytes.NewReader(artifact.Payload))
	if err != nil {
		return nil, corruptErr(fmt.Sprintf("artifact not gzip: %v", err))
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, corruptErr(fmt.Sprintf("artifact payload truncated: %v", err))
	}

	var state indexState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return nil, corruptErr(fmt.Sprintf("artifact gob decode failed: %v", err))
	}
	return &state, nil
}

func corruptErr(msg string) error {
	return apperrors.New(apperrors.ErrCodeIndexCorrupt, msg, nil).
		WithSuggestion("the cached index will be rebuilt from stored articles")
}
