package download

import (
	"github.com/Aman-CERP/localwiki/internal/catalog"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

// Sink receives verified resource bytes. The default sink writes blobs
// into the storage collection matching the resource kind; corpus resources
// use a sink that imports articles instead of retaining the raw database.
type Sink interface {
	// Exists reports whether the resource is already committed, so a
	// resumed package download can skip it.
	Exists(res *catalog.Resource) (bool, error)

	// Commit persists the verified bytes. checksum is the computed hex
	// sha256 of data.
	Commit(res *catalog.Resource, data []byte, checksum string) error
}

// StoreSink commits blobs into the storage layer, keyed by resource name
// in the collection for the resource kind.
type StoreSink struct {
	store *storage.Store
}

// NewStoreSink creates the default storage-backed sink.
func NewStoreSink(store *storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Exists implements Sink. A blob counts as committed when present and,
// if the manifest declares a checksum, stored with that checksum.
func (s *StoreSink) Exists(res *catalog.Resource) (bool, error) {
	blob, err := s.store.GetBlob(res.Kind.Collection(), res.Name)
	if err != nil || blob == nil {
		return false, err
	}
	if res.Checksum != "" && blob.Checksum != res.Checksum {
		return false, nil
	}
	return true, nil
}

// Commit implements Sink.
func (s *StoreSink) Commit(res *catalog.Resource, data []byte, checksum string) error {
	return s.store.PutBlob(res.Kind.Collection(), &storage.Blob{
		Key:      res.Name,
		Data:     data,
		Checksum: checksum,
	})
}
