package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"go-soknad-automation/internal/database"
)

func main() {
	printOnly := flag.Bool("print", false, "print the schema instead of applying it")
	flag.Parse()

	if *printOnly {
		fmt.Print(database.Schema())
		return
	}

	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("../../.env")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set. Please check your .env file.")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Attempting to connect to PostgreSQL...")
	repo, err := database.ConnectDB(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n(Check your connection string and password)\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Schema applied")

	version, size, err := repo.Info(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ %v\n", err)
		return
	}
	fmt.Printf("📦 Current Database Size: %s\n", size)
	fmt.Println("🚀 Database Version:", version)
}
