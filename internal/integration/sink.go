package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/localwiki/internal/catalog"
	"github.com/Aman-CERP/localwiki/internal/corpus"
	"github.com/Aman-CERP/localwiki/internal/download"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

// corpusImportRecord marks a corpus database as imported so a resumed
// setup does not re-download or re-import it. The raw database is not
// retained; articles live individually in the articles collection.
type corpusImportRecord struct {
	Resource   string    `json:"resource"`
	Checksum   string    `json:"checksum"`
	Articles   int       `json:"articles"`
	ImportedAt time.Time `json:"imported_at"`
}

// routingSink sends corpus resources through the article importer and
// everything else into blob storage.
type routingSink struct {
	ctx        context.Context
	blobs      *download.StoreSink
	importer   *corpus.Importer
	store      *storage.Store
	scratchDir string
	logger     *slog.Logger
}

func newRoutingSink(ctx context.Context, store *storage.Store, scratchDir string, logger *slog.Logger) *routingSink {
	return &routingSink{
		ctx:        ctx,
		blobs:      download.NewStoreSink(store),
		importer:   corpus.NewImporter(store),
		store:      store,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

func (s *routingSink) Exists(res *catalog.Resource) (bool, error) {
	if res.Kind != catalog.KindCorpus {
		return s.blobs.Exists(res)
	}
	raw, err := s.store.Get(storage.CollectionCorpusMeta, res.Name)
	if err != nil || raw == nil {
		return false, err
	}
	var rec corpusImportRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, nil
	}
	return rec.Checksum == res.Checksum && rec.Articles > 0, nil
}

func (s *routingSink) Commit(res *catalog.Resource, data []byte, checksum string) error {
	if res.Kind != catalog.KindCorpus {
		return s.blobs.Commit(res, data, checksum)
	}

	// The importer reads sqlite from disk, so the verified bytes pass
	// through a scratch file that is removed either way.
	if err := os.MkdirAll(s.scratchDir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}
	path := filepath.Join(s.scratchDir, res.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}
	defer os.Remove(path)

	count, err := s.importer.ImportFile(s.ctx, path)
	if err != nil {
		return err
	}
	if count == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidResource,
			fmt.Sprintf("corpus %s contained no articles", res.Name), nil)
	}

	rec := corpusImportRecord{
		Resource:   res.Name,
		Checksum:   checksum,
		Articles:   count,
		ImportedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}
	if err := s.store.Put(storage.CollectionCorpusMeta, res.Name, raw); err != nil {
		return err
	}

	s.logger.Info("corpus imported",
		"resource", res.Name, "articles", count, "bytes", len(data))
	return nil
}
