package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"textbook-library/config"
	"textbook-library/library"
	"textbook-library/pdfstore"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// manifest lists the textbooks to import. File paths are relative to the
// manifest's directory.
type manifest struct {
	Textbooks []struct {
		Title       string `yaml:"title"`
		Author      string `yaml:"author"`
		ISBN        string `yaml:"isbn"`
		Description string `yaml:"description"`
		File        string `yaml:"file"`
		PDFPassword string `yaml:"pdf_password"`
	} `yaml:"textbooks"`
}

func main() {
	var configPath string
	var adminID int64

	cmd := &cobra.Command{
		Use:          "import_textbooks <manifest.yaml>",
		Short:        "Bulk-import textbook PDFs described by a YAML manifest",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, adminID, args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "library.yaml", "path to the YAML config file")
	cmd.Flags().Int64Var(&adminID, "admin", 0, "admin member ID performing the import")
	_ = cmd.MarkFlagRequired("admin")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, adminID int64, manifestPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})).With("service", "import-textbooks")

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	pdfs, err := pdfstore.NewFileStore(cfg.PDFDir)
	if err != nil {
		return err
	}
	manager, err := library.NewLibraryManager(cfg.DBPath, library.WithPDFStorage(pdfs), library.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer manager.Close()

	password := os.Getenv("LIBRARY_ADMIN_PASSWORD")
	if password == "" {
		fmt.Print("Admin password: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimSpace(string(b))
	}
	if err := manager.AuthenticateMember(adminID, password); err != nil {
		return err
	}
	if err := manager.RequireAdmin(adminID); err != nil {
		return err
	}

	baseDir := filepath.Dir(manifestPath)
	fmt.Printf("Importing %d textbook(s) from %s...\n", len(m.Textbooks), manifestPath)

	successCount := 0
	errorCount := 0

	for _, entry := range m.Textbooks {
		fmt.Printf("Importing: %s by %s... ", entry.Title, entry.Author)

		filePath := entry.File
		if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}
		f, err := os.Open(filepath.Clean(filePath))
		if err != nil {
			fmt.Printf("ERROR - File not accessible: %v\n", err)
			errorCount++
			continue
		}

		id, err := manager.AddTextbook(ctx, adminID, library.NewTextbook{
			Title:       entry.Title,
			Author:      entry.Author,
			ISBN:        entry.ISBN,
			Description: entry.Description,
			PDF:         f,
			PDFPassword: entry.PDFPassword,
		})
		f.Close()
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}

		fmt.Printf("SUCCESS (ID: %d)\n", id)
		successCount++
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d textbooks\n", successCount)
	fmt.Printf("Errors: %d\n", errorCount)

	// Display summary of imported textbooks
	if successCount > 0 {
		fmt.Println("\nCatalog:")
		books, err := manager.ListTextbooks(adminID)
		if err != nil {
			fmt.Printf("Error retrieving textbooks: %v\n", err)
		} else {
			fmt.Printf("%-3s %-50s %-30s\n", "ID", "Title", "Author")
			fmt.Println(strings.Repeat("-", 85))
			for _, book := range books {
				fmt.Printf("%-3d %-50s %-30s\n", book.ID, truncateString(book.Title, 50), truncateString(book.Author, 30))
			}
		}
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
