package imagestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/xrayscan/internal/errors"
)

func newStore(t *testing.T) (store *Store, uploads, processed string) {
	t.Helper()
	dir := t.TempDir()
	uploads = filepath.Join(dir, "uploads")
	processed = filepath.Join(dir, "processed")
	store, err := New(uploads, processed, "http://localhost:3000/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, uploads, processed
}

func TestExtension(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"chest.PNG":       ".png",
		"scan.jpeg":       ".jpeg",
		"noext":           DefaultExt,
		"":                DefaultExt,
		"archive.tar.gz":  ".gz",
		"weird.j p g":     DefaultExt,
		"x.verylongext1":  DefaultExt,
		"../../etc/x.bmp": ".bmp",
		"trailingdot.":    DefaultExt,
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestSaveStoresUnderJobID(t *testing.T) {
	t.Parallel()
	store, uploads, _ := newStore(t)

	res, err := store.Save("chest.png", strings.NewReader("png bytes"))
	require.NoError(t, err)

	_, err = uuid.Parse(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/images/"+res.JobID+".png", res.ImageReference)

	data, err := os.ReadFile(filepath.Join(uploads, res.JobID+".png"))
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestSaveSameNameTwiceKeepsBoth(t *testing.T) {
	t.Parallel()
	store, uploads, _ := newStore(t)

	a, err := store.Save("scan.jpg", strings.NewReader("first"))
	require.NoError(t, err)
	b, err := store.Save("scan.jpg", strings.NewReader("second"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ImageReference, b.ImageReference)
	entries, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveEmptyBody(t *testing.T) {
	t.Parallel()
	store, uploads, _ := newStore(t)

	_, err := store.Save("empty.jpg", strings.NewReader(""))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	entries, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	store, uploads, _ := newStore(t)
	res, err := store.Save("a.jpg", strings.NewReader("x"))
	require.NoError(t, err)
	name := res.JobID + ".jpg"

	for _, ref := range []string{
		res.ImageReference,
		"/images/" + name,
		"images/" + name,
		name,
		"https://scans.example.org/app/images/" + name,
	} {
		img, err := store.Resolve(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, res.JobID, img.JobID, ref)
		assert.Equal(t, name, img.Name, ref)
		assert.Equal(t, filepath.Join(uploads, name), img.Path, ref)
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	store, _, _ := newStore(t)

	for _, ref := range []string{
		"",
		"   ",
		"http://localhost:3000/images/missing.jpg",
		"http://localhost:3000/processed_images/x.jpg",
		"/images/../config.yaml",
		"/images/",
		"..",
		"%zz",
	} {
		_, err := store.Resolve(ref)
		require.Error(t, err, ref)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), ref)
	}
}

func TestRelocate(t *testing.T) {
	t.Parallel()
	store, _, processed := newStore(t)
	res, err := store.Save("b.png", strings.NewReader("x"))
	require.NoError(t, err)
	img, err := store.Resolve(res.ImageReference)
	require.NoError(t, err)

	annotated := filepath.Join(t.TempDir(), "runs", res.JobID, res.JobID+".png")
	require.NoError(t, os.MkdirAll(filepath.Dir(annotated), 0o750))
	require.NoError(t, os.WriteFile(annotated, []byte("boxes"), 0o600))

	ref, err := store.Relocate(img, annotated)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000/processed_images/"+res.JobID+".png", ref)
	assert.NoFileExists(t, annotated, "relocation moves, not copies")
	assert.FileExists(t, filepath.Join(processed, res.JobID+".png"))
	assert.True(t, store.ProcessedExists(ref))
	assert.False(t, store.ProcessedExists(res.ImageReference))
}

func TestRelocateMissingAnnotated(t *testing.T) {
	t.Parallel()
	store, _, _ := newStore(t)

	_, err := store.Relocate(Image{JobID: "job"}, filepath.Join(t.TempDir(), "nope.jpg"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDetection))
}
