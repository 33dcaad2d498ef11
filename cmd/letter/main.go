// Command letter runs the fit analysis and cover letter generation for one
// job description against a profile file, without touching the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/pdf"
)

func main() {
	profilePath := flag.String("profile", "profile.json", "profile JSON")
	descPath := flag.String("description", "", "job description text file")
	title := flag.String("title", "Backend-utvikler", "job title")
	company := flag.String("company", "", "company")
	pdfOut := flag.String("pdf", "", "also render the søknad to this PDF file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ config: %v\n", err)
		os.Exit(1)
	}
	if cfg.AI.APIKey == "" {
		fmt.Fprintln(os.Stderr, "AI_API_KEY is not set. Please set it to test the gateway.")
		os.Exit(1)
	}
	log, err := logger.New(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	raw, err := os.ReadFile(*profilePath)
	if err != nil {
		log.Fatal("failed to read profile", "error", err)
	}
	var profile models.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		log.Fatal("failed to parse profile", "error", err)
	}
	desc, err := os.ReadFile(*descPath)
	if err != nil {
		log.Fatal("failed to read description", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	gateway := ai.NewOpenAIClient(cfg.AI, log)
	profileText := ai.ProfileText(&profile)

	analysis, err := gateway.Analyze(ctx, ai.AnalysisRequest{
		Profile: profileText, Title: *title, Company: *company, Description: string(desc),
	})
	if err != nil {
		log.Fatal("analysis failed", "error", err)
	}
	fmt.Printf("🎯 Score: %d/100\n%s\n\n", analysis.Analysis.Score, analysis.Analysis.Text)

	letter, err := gateway.GenerateLetter(ctx, ai.LetterRequest{
		Profile: profileText, Title: *title, Company: *company, Description: string(desc),
	})
	if err != nil {
		log.Fatal("generation failed", "error", err)
	}
	fmt.Println("✍️ Søknad:")
	fmt.Println(letter.CoverLetter)
	if letter.Translation != "" {
		fmt.Println("\n🌐 Translation:")
		fmt.Println(letter.Translation)
	}

	if *pdfOut != "" {
		job := &models.Job{Title: *title, Company: *company}
		if err := exportPDF(ctx, log, pdf.NewLetter(&profile, job, letter.CoverLetter, time.Now()), *pdfOut); err != nil {
			log.Fatal("pdf export failed", "error", err)
		}
		fmt.Printf("📄 Saved %s\n", *pdfOut)
	}

	cost := analysis.Usage.CostUSD + letter.Usage.CostUSD
	fmt.Printf("\n💰 %d tokens in, %d out, $%.4f\n",
		analysis.Usage.TokensIn+letter.Usage.TokensIn, analysis.Usage.TokensOut+letter.Usage.TokensOut, cost)
}

func exportPDF(ctx context.Context, log *logger.Logger, l pdf.Letter, out string) error {
	pm, err := browser.NewPlaywright(ctx, browser.Options{Headless: true}, log)
	if err != nil {
		return err
	}
	defer pm.Close()

	gen, err := pdf.NewGenerator(pm)
	if err != nil {
		return err
	}
	data, err := gen.Generate(l)
	if err != nil {
		return err
	}
	return pdf.SaveToFile(data, out)
}
