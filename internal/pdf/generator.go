// Package pdf renders a søknad as an A4 PDF for attaching to email applications.
package pdf

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"go-soknad-automation/internal/models"
)

//go:embed templates/letter.html
var templates embed.FS

// Letter is the data behind one rendered søknad.
type Letter struct {
	Name       string
	Contact    []string
	Title      string
	Company    string
	Date       string
	Paragraphs []string
}

// NewLetter fills the header from the profile and splits body on blank lines.
func NewLetter(p *models.Profile, job *models.Job, body string, at time.Time) Letter {
	info := p.PersonalInfo
	name := info.FullName
	if name == "" {
		name = info.Name
	}
	var contact []string
	for _, s := range []string{info.Email, info.Phone, info.City} {
		if s != "" {
			contact = append(contact, s)
		}
	}

	var paras []string
	for _, block := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if b := strings.TrimSpace(block); b != "" {
			paras = append(paras, strings.Join(strings.Fields(b), " "))
		}
	}

	return Letter{
		Name:       name,
		Contact:    contact,
		Title:      job.Title,
		Company:    job.Company,
		Date:       at.Format("02.01.2006"),
		Paragraphs: paras,
	}
}

// ContextProvider hands out isolated browser contexts; *browser.PlaywrightManager is one.
type ContextProvider interface {
	NewContext() (playwright.BrowserContext, error)
}

// Generator converts letters into PDF bytes through a headless page.
type Generator struct {
	browser ContextProvider
	tmpl    *template.Template
}

func NewGenerator(browser ContextProvider) (*Generator, error) {
	funcMap := template.FuncMap{
		"join": strings.Join,
	}
	tmpl, err := template.New("letter.html").Funcs(funcMap).ParseFS(templates, "templates/letter.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &Generator{browser: browser, tmpl: tmpl}, nil
}

// Render executes the template only.
func (g *Generator) Render(l Letter) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, l); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

func (g *Generator) Generate(l Letter) ([]byte, error) {
	html, err := g.Render(l)
	if err != nil {
		return nil, err
	}

	bc, err := g.browser.NewContext()
	if err != nil {
		return nil, err
	}
	defer bc.Close()

	page, err := bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("could not create new page: %w", err)
	}
	defer page.Close()

	if err := page.SetContent(html, playwright.PageSetContentOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		return nil, fmt.Errorf("could not set page content: %w", err)
	}

	pdfBytes, err := page.PDF(playwright.PagePdfOptions{
		Format:          playwright.String("A4"),
		PrintBackground: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("could not generate PDF: %w", err)
	}
	return pdfBytes, nil
}

// SaveToFile writes pdfBytes, creating the parent directory.
func SaveToFile(pdfBytes []byte, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("could not create directory: %w", err)
	}
	return os.WriteFile(outputPath, pdfBytes, 0644)
}
