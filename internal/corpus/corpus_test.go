package corpus

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/localwiki/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Initialize(storage.Schema{
		Collections: []storage.CollectionSpec{
			{
				Name:    storage.CollectionArticles,
				Cached:  true,
				Indexes: []storage.IndexSpec{{Name: "category", Extract: CategoryIndex}},
			},
		},
	}))
	return s
}

func writeCorpusDB(t *testing.T, rows [][]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE articles (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT,
		url TEXT,
		categories TEXT
	)`)
	require.NoError(t, err)

	for _, row := range rows {
		_, err = db.Exec(`INSERT INTO articles (id, title, content, summary, url, categories) VALUES (?, ?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	return path
}

func TestImportFile(t *testing.T) {
	store := newTestStore(t)
	path := writeCorpusDB(t, [][]any{
		{1, "JavaScript", "A scripting language for interactive web pages.", "Web language.", "https://en.wikipedia.org/wiki/JavaScript", "programming,web"},
		{2, "Python", "A general-purpose language.", "Readable language.", "", "programming"},
		{3, "Rome", "Capital of Italy.", nil, "", nil},
	})

	im := NewImporter(store)
	count, err := im.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	a, err := Get(store, "1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "JavaScript", a.Title)
	assert.Equal(t, "programming", a.Category, "first category wins")

	a, err = Get(store, "3")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Empty(t, a.Summary)
	assert.Empty(t, a.Category)
}

func TestImportFile_Idempotent(t *testing.T) {
	store := newTestStore(t)
	path := writeCorpusDB(t, [][]any{
		{1, "JavaScript", "content", "summary", "", "programming"},
	})

	im := NewImporter(store)
	_, err := im.ImportFile(context.Background(), path)
	require.NoError(t, err)
	_, err = im.ImportFile(context.Background(), path)
	require.NoError(t, err)

	count, err := store.Count(storage.CollectionArticles)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestImportFile_CategoryIndexQueryable(t *testing.T) {
	store := newTestStore(t)
	path := writeCorpusDB(t, [][]any{
		{1, "JavaScript", "c", "s", "", "programming"},
		{2, "Python", "c", "s", "", "programming"},
		{3, "Rome", "c", "s", "", "history"},
	})

	_, err := NewImporter(store).ImportFile(context.Background(), path)
	require.NoError(t, err)

	entries, err := store.QueryByIndex(storage.CollectionArticles, "category", "programming")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestImportFile_BadDatabase(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "not-a-db.bin")
	require.NoError(t, os.WriteFile(path, []byte("this is not sqlite"), 0o644))

	_, err := NewImporter(store).ImportFile(context.Background(), path)
	assert.Error(t, err)
}

func TestLoadAll_OrderedByID(t *testing.T) {
	store := newTestStore(t)
	path := writeCorpusDB(t, [][]any{
		{2, "B", "c", "s", "", ""},
		{1, "A", "c", "s", "", ""},
	})

	_, err := NewImporter(store).ImportFile(context.Background(), path)
	require.NoError(t, err)

	articles, err := LoadAll(store)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "A", articles[0].Title)
	assert.Equal(t, "B", articles[1].Title)
}

func TestGet_AbsentReturnsNil(t *testing.T) {
	store := newTestStore(t)
	a, err := Get(store, "missing")
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestByCategory(t *testing.T) {
	store := newTestStore(t)
	path := writeCorpusDB(t, [][]any{
		{1, "JavaScript", "c", "s", "", "programming,web"},
		{2, "Python", "c", "s", "", "programming"},
		{3, "Rome", "c", "s", "", "geography"},
	})

	_, err := NewImporter(store).ImportFile(context.Background(), path)
	require.NoError(t, err)

	articles, err := ByCategory(store, "programming")
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "JavaScript", articles[0].Title)
	assert.Equal(t, "Python", articles[1].Title)

	none, err := ByCategory(store, "music")
	require.NoError(t, err)
	assert.Empty(t, none)
}
