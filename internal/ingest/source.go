package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"go-soknad-automation/internal/models"
)

// Source delivers raw postings. Scraping mechanics live outside this module;
// sources only hand over what they collected.
type Source interface {
	Fetch(ctx context.Context) ([]models.Posting, error)

	// Name is the platform tag stored on each job (finn, nav, manual, ...).
	Name() string
}

// FileSource reads a YAML or JSON feed written by an external collector:
//
//	source: finn
//	postings:
//	  - url: https://www.finn.no/job/fulltime/ad.html?finnkode=412345678
//	    title: Backend-utvikler
type FileSource struct {
	path string
	name string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type feedFile struct {
	Source   string           `yaml:"source"`
	Postings []models.Posting `yaml:"postings"`
}

func (f *FileSource) Name() string {
	if f.name != "" {
		return f.name
	}
	return "feed"
}

func (f *FileSource) Fetch(ctx context.Context) ([]models.Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", f.path, err)
	}

	var feed feedFile
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.path, err)
	}
	if feed.Source != "" {
		f.name = feed.Source
	}

	out := make([]models.Posting, 0, len(feed.Postings))
	for _, p := range feed.Postings {
		p.URL = strings.TrimSpace(p.URL)
		if p.URL == "" {
			continue
		}
		if p.Source == "" {
			p.Source = f.Name()
		}
		out = append(out, p)
	}
	return out, nil
}
