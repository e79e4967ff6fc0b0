// Package corpus imports downloaded article databases into the blob store.
//
// A corpus resource is a sqlite database with the schema
// articles(id, title, content, summary, url, categories). The importer
// streams rows out of the database file and writes them as JSON documents
// into the articles collection, so everything downstream (search index,
// chat context) reads articles through the storage layer only.
package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

// Article is one encyclopedia entry.
type Article struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Summary  string `json:"summary,omitempty"`
	Category string `json:"category,omitempty"`
}

// CategoryIndex extracts the category field for the storage-level
// secondary index over the articles collection.
func CategoryIndex(value []byte) (string, bool) {
	var a Article
	if err := json.Unmarshal(value, &a); err != nil || a.Category == "" {
		return "", false
	}
	return a.Category, true
}

// Importer reads corpus databases into a store.
type Importer struct {
	store *storage.Store
}

// NewImporter creates an importer writing into store.
func NewImporter(store *storage.Store) *Importer {
	return &Importer{store: store}
}

// ImportFile reads every article from the sqlite database at path into the
// articles collection. Returns the number of imported articles.
// Import is idempotent: re-importing upserts by article ID.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeStoreCorrupt,
			fmt.Sprintf("cannot open corpus database %s: %v", path, err), err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT id, title, content, COALESCE(summary, ''), COALESCE(categories, '') FROM articles ORDER BY id`)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeStoreCorrupt,
			fmt.Sprintf("corpus database %s has no readable articles table: %v", path, err), err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		var (
			id                                  int64
			title, content, summary, categories string
		)
		if err := rows.Scan(&id, &title, &content, &summary, &categories); err != nil {
			return count, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
		}

		article := Article{
			ID:       strconv.FormatInt(id, 10),
			Title:    title,
			Content:  content,
			Summary:  summary,
			Category: primaryCategory(categories),
		}
		data, err := json.Marshal(article)
		if err != nil {
			return count, apperrors.Wrap(apperrors.ErrCodeInternal, err)
		}
		if err := im.store.Put(storage.CollectionArticles, article.ID, data); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	return count, nil
}

// LoadAll reads every stored article back, ordered by key.
func LoadAll(store *storage.Store) ([]Article, error) {
	keys, err := store.Keys(storage.CollectionArticles)
	if err != nil {
		return nil, err
	}

	articles := make([]Article, 0, len(keys))
	for _, key := range keys {
		data, err := store.Get(storage.CollectionArticles, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var a Article
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("stored article %s is not valid JSON: %v", key, err), err)
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// ByCategory returns the articles in one category, ordered by ID, using
// the persistent category index rather than a full scan.
func ByCategory(store *storage.Store, category string) ([]Article, error) {
	entries, err := store.QueryByIndex(storage.CollectionArticles, "category", category)
	if err != nil {
		return nil, err
	}
	articles := make([]Article, 0, len(entries))
	for _, e := range entries {
		var a Article
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("stored article %s is not valid JSON: %v", e.Key, err), err)
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// Get returns one article by ID, or (nil, nil) when absent.
func Get(store *storage.Store, id string) (*Article, error) {
	data, err := store.Get(storage.CollectionArticles, id)
	if err != nil || data == nil {
		return nil, err
	}
	var a Article
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return &a, nil
}

// primaryCategory takes the first entry of a comma-separated category list.
func primaryCategory(categories string) string {
	if categories == "" {
		return ""
	}
	first := categories
	if i := strings.IndexByte(categories, ','); i >= 0 {
		first = categories[:i]
	}
	return strings.TrimSpace(first)
}
