package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testSpec() recordsource.Spec {
	return recordsource.Spec{IDColumn: "id", Columns: []string{"name"}}
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Root: "/tmp", Includes: []string{"["}}.Validate())
	assert.NoError(t, Config{Root: "/tmp", Includes: []string{"**/*.csv"}}.Validate())
}

func TestStream_ReadsFilesInPathOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.csv", "id,name\n3,Carol\n")
	writeFile(t, root, "a/a.csv", "id,name\n1,Alice\n2,Bob\n")
	writeFile(t, root, "notes.txt", "not a csv")

	src, err := New(Config{Root: root})
	require.NoError(t, err)

	var ids []string
	err = src.Stream(context.Background(), testSpec(), func(r matching.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestStream_IncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep/one.csv", "id\n1\n")
	writeFile(t, root, "skip/two.csv", "id\n2\n")

	src, err := New(Config{
		Root:     root,
		Includes: []string{"**/*.csv"},
		Excludes: []string{"skip/**"},
	})
	require.NoError(t, err)

	var ids []string
	err = src.Stream(context.Background(), testSpec(), func(r matching.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)
}

func TestStream_MissingRoot(t *testing.T) {
	src, err := New(Config{Root: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)

	err = src.Stream(context.Background(), testSpec(), func(matching.Record) error { return nil })
	require.Error(t, err)
	assert.True(t, recordsource.IsSourceNotFound(err))
}

func TestStream_BadFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bad.csv", "name\nAlice\n")

	src, err := New(Config{Root: root})
	require.NoError(t, err)

	err = src.Stream(context.Background(), testSpec(), func(matching.Record) error { return nil })
	require.Error(t, err)
	assert.True(t, recordsource.IsBadRecord(err))
}

func TestFetch_ReturnsOnlyRequestedIDs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "recs.csv", "id,name\n1,Alice\n2,Bob\n3,Carol\n")

	src, err := New(Config{Root: root})
	require.NoError(t, err)

	recs, err := src.Fetch(context.Background(), testSpec(), []string{"3", "1", "99"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	got := map[string]string{}
	for _, r := range recs {
		got[r.ID] = r.Value("name")
	}
	assert.Equal(t, map[string]string{"1": "Alice", "3": "Carol"}, got)
}

func TestCount_SumsDataRows(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.csv", "id\n1\n2\n")
	writeFile(t, root, "sub/b.csv", "id\n3\n")
	writeFile(t, root, "empty.csv", "id\n")

	src, err := New(Config{Root: root})
	require.NoError(t, err)

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStream_ContextCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.csv", "id\n1\n")

	src, err := New(Config{Root: root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = src.Stream(ctx, testSpec(), func(matching.Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
