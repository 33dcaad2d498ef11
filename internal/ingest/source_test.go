package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source: finn
postings:
  - url: " https://www.finn.no/job/fulltime/ad.html?finnkode=412345678 "
    title: Backend-utvikler
    company: Acme AS
  - url: ""
    title: no url
  - url: https://nav.no/stilling/1
    source: nav
    title: Golang developer
`), 0644))

	src := NewFileSource(path)
	postings, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, "finn", src.Name())
	assert.Equal(t, "https://www.finn.no/job/fulltime/ad.html?finnkode=412345678", postings[0].URL)
	assert.Equal(t, "finn", postings[0].Source)
	assert.Equal(t, "nav", postings[1].Source)
}

func TestFileSource_JSONFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"postings":[{"url":"https://karriere.acme.no/1","title":"Utvikler"}]}`), 0644))

	src := NewFileSource(path)
	postings, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, "feed", postings[0].Source)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")).Fetch(context.Background())
	assert.ErrorContains(t, err, "read feed")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postings: [unclosed"), 0644))
	_, err = NewFileSource(path).Fetch(context.Background())
	assert.ErrorContains(t, err, "parse feed")
}
