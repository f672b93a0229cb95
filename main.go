package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"textbook-library/config"
	"textbook-library/library"
	"textbook-library/pdfstore"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type app struct {
	configPath string
	memberID   int64

	cfg    config.Config
	logger *slog.Logger
	mgr    *library.LibraryManager
	stdin  *bufio.Reader
}

func main() {
	a := &app{stdin: bufio.NewReader(os.Stdin)}
	if err := a.rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Controlled digital lending of textbooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.mgr != nil {
				return a.mgr.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "library.yaml", "path to the YAML config file")
	root.PersistentFlags().Int64Var(&a.memberID, "member", 0, "your member ID")

	root.AddCommand(
		a.memberCmd(),
		a.textbookCmd(),
		a.adminCmd(),
		a.listCmd(),
		a.searchCmd(),
		a.currentCmd(),
		a.checkoutCmd(),
		a.returnCmd(),
		a.readCmd(),
		a.historyCmd(),
		a.sweepCmd(),
		a.schedulerCmd(),
	)
	return root
}

func (a *app) open() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})).With("service", "textbook-library")
	slog.SetDefault(a.logger)

	pdfs, err := pdfstore.NewFileStore(cfg.PDFDir)
	if err != nil {
		return err
	}
	a.mgr, err = library.NewLibraryManager(cfg.DBPath,
		library.WithPDFStorage(pdfs),
		library.WithLogger(a.logger),
		library.WithLoanPeriod(cfg.LoanPeriod),
	)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	return nil
}

// readPassword reads a password with masking when stdin is a terminal.
func (a *app) readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := a.stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// authenticate resolves the caller once; every library call gets the id explicitly.
func (a *app) authenticate() (int64, error) {
	if a.memberID <= 0 {
		return 0, errors.New("--member is required")
	}
	password, err := a.readPassword("Enter your password: ")
	if err != nil {
		return 0, fmt.Errorf("failed to read password: %w", err)
	}
	if err := a.mgr.AuthenticateMember(a.memberID, password); err != nil {
		return 0, fmt.Errorf("authentication failed: %w", err)
	}
	return a.memberID, nil
}

func parseID(kind, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", kind, raw)
	}
	return id, nil
}

// ------------------ Members ------------------

func (a *app) memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}

	var name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a new member",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := a.readPassword(fmt.Sprintf("Enter password for %s: ", name))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			id, err := a.mgr.AddMember(name, email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Added member '%s' with ID %d\n", name, id)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "member name")
	add.Flags().StringVar(&email, "email", "", "member email")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := a.mgr.GetAllMembers()
			if err != nil {
				return err
			}
			if len(members) == 0 {
				fmt.Println("No members registered.")
				return nil
			}
			fmt.Printf("%-5s %-25s %-30s %-6s\n", "ID", "Name", "Email", "Admin")
			fmt.Println(strings.Repeat("-", 70))
			for _, m := range members {
				admin := "No"
				if m.IsAdmin {
					admin = "Yes"
				}
				fmt.Printf("%-5d %-25s %-30s %-6s\n", m.ID, truncateString(m.Name, 25), truncateString(m.Email, 30), admin)
			}
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset-password <member-id>",
		Short: "Reset a member's password (yourself, or anyone as admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseID("member", args[0])
			if err != nil {
				return err
			}
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			if caller != target {
				if err := a.mgr.RequireAdmin(caller); err != nil {
					return err
				}
			}
			member, err := a.mgr.GetMember(target)
			if err != nil {
				return err
			}
			newPassword, err := a.readPassword(fmt.Sprintf("Enter new password for %s (ID: %d): ", member.Name, member.ID))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			if err := a.mgr.ResetMemberPassword(target, newPassword); err != nil {
				return err
			}
			fmt.Printf("Password successfully reset for %s (ID: %d)\n", member.Name, member.ID)
			return nil
		},
	}

	cmd.AddCommand(add, list, reset)
	return cmd
}

// ------------------ Admin ------------------

func (a *app) adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Admin rights"}

	promote := &cobra.Command{
		Use:   "promote <email>",
		Short: "Make a member an admin (open to anyone while no admin exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			if err := a.mgr.MakeAdmin(caller, args[0]); err != nil {
				return err
			}
			fmt.Printf("Successfully made %s an admin\n", args[0])
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether you are an admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			if a.mgr.IsAdmin(caller) {
				fmt.Println("You are an admin.")
			} else {
				fmt.Println("You are not an admin.")
			}
			return nil
		},
	}

	cmd.AddCommand(promote, check)
	return cmd
}

// ------------------ Textbooks ------------------

func (a *app) textbookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "textbook", Short: "Manage the catalog"}

	var nb library.NewTextbook
	var pdfPath string
	add := &cobra.Command{
		Use:   "add",
		Short: "Upload a textbook PDF (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			f, err := os.Open(filepath.Clean(pdfPath))
			if err != nil {
				return fmt.Errorf("file error: %w", err)
			}
			defer f.Close()
			nb.PDF = f
			if nb.PDFPassword == "" {
				if nb.PDFPassword, err = a.readPassword("PDF password: "); err != nil {
					return err
				}
			}
			id, err := a.mgr.AddTextbook(cmd.Context(), caller, nb)
			if err != nil {
				return err
			}
			fmt.Printf("Textbook added successfully! ID %d\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&nb.Title, "title", "", "title")
	add.Flags().StringVar(&nb.Author, "author", "", "author")
	add.Flags().StringVar(&nb.ISBN, "isbn", "", "ISBN (optional)")
	add.Flags().StringVar(&nb.Description, "description", "", "description (optional)")
	add.Flags().StringVar(&nb.PDFPassword, "pdf-password", "", "password protecting the PDF (prompted when empty)")
	add.Flags().StringVar(&pdfPath, "pdf", "", "path to the PDF file")
	_ = add.MarkFlagRequired("pdf")

	cmd.AddCommand(add)
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List textbooks and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			books, err := a.mgr.ListTextbooks(caller)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No textbooks in library.")
				return nil
			}
			printTextbooks(books)
			return nil
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			books, err := a.mgr.SearchTextbooks(caller, query)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Printf("No textbooks found matching '%s'.\n", query)
				return nil
			}
			fmt.Printf("Found %d textbook(s) matching '%s':\n", len(books), query)
			printTextbooks(books)
			return nil
		},
	}
}

func printTextbooks(books []*library.TextbookView) {
	fmt.Printf("%-5s %-30s %-25s %-12s %-25s %s\n", "ID", "Title", "Author", "Status", "Borrower", "Due")
	fmt.Println(strings.Repeat("-", 120))
	for _, b := range books {
		status, borrower, due := "Available", "None", ""
		if b.IsCheckedOut {
			status = "Checked Out"
			borrower = b.CheckedOutByUser
			if b.IsCheckedOutByCurrentUser {
				borrower = "You"
			}
			due = b.DueDate.Local().Format(time.DateTime)
		}
		fmt.Printf("%-5d %-30s %-25s %-12s %-25s %s\n",
			b.ID,
			truncateString(b.Title, 30),
			truncateString(b.Author, 25),
			status,
			truncateString(borrower, 25),
			due)
	}
}

// ------------------ Circulation ------------------

func (a *app) currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the textbook you have checked out",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			b, err := a.mgr.GetCurrentCheckout(caller)
			if err != nil {
				return err
			}
			if b == nil {
				fmt.Println("You have no textbook checked out.")
				return nil
			}
			fmt.Printf("'%s' by %s (ID: %d), due %s\n", b.Title, b.Author, b.ID, b.DueDate.Local().Format(time.DateTime))
			return nil
		},
	}
}

func (a *app) checkoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <textbook-id>",
		Short: "Check out a textbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID("textbook", args[0])
			if err != nil {
				return err
			}
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			res, err := a.mgr.Checkout(caller, bookID)
			if err != nil {
				return fmt.Errorf("error checking out textbook: %w", err)
			}
			title := fmt.Sprintf("#%d", bookID)
			if book, err := a.mgr.GetTextbook(bookID); err == nil {
				title = book.Title
			}
			fmt.Printf("Textbook '%s' checked out, due %s\n", title, res.DueDate.Local().Format(time.DateTime))
			return nil
		},
	}
}

func (a *app) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return <textbook-id>",
		Short: "Return a textbook you have checked out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID("textbook", args[0])
			if err != nil {
				return err
			}
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			if err := a.mgr.ReturnTextbook(caller, bookID); err != nil {
				return fmt.Errorf("error returning textbook: %w", err)
			}
			fmt.Println("Textbook returned and now available for checkout")
			return nil
		},
	}
}

func (a *app) readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <textbook-id>",
		Short: "Show the PDF location and password of a textbook you have checked out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID("textbook", args[0])
			if err != nil {
				return err
			}
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			access, err := a.mgr.GetPdfAccess(cmd.Context(), caller, bookID)
			if err != nil {
				return err
			}
			fmt.Printf("PDF:      %s\n", access.PDFURL)
			fmt.Printf("Password: %s\n", access.Password)
			fmt.Printf("Due:      %s\n", access.DueDate.Local().Format(time.DateTime))
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var textbookID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show your loans, or a textbook's loans with --textbook (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.authenticate()
			if err != nil {
				return err
			}
			var records []*library.CheckoutRecord
			if textbookID > 0 {
				records, err = a.mgr.CheckoutHistory(caller, textbookID)
			} else {
				records, err = a.mgr.MemberHistory(caller)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No checkout history.")
				return nil
			}
			fmt.Printf("%-8s %-8s %-20s %-20s %s\n", "Textbook", "Member", "Checked Out", "Returned", "Auto")
			fmt.Println(strings.Repeat("-", 70))
			for _, r := range records {
				returned, auto := "-", ""
				if r.ReturnedAt != nil {
					returned = r.ReturnedAt.Local().Format(time.DateTime)
				}
				if r.AutoReturned {
					auto = "yes"
				}
				fmt.Printf("%-8d %-8d %-20s %-20s %s\n", r.TextbookID, r.MemberID,
					r.CheckedOutAt.Local().Format(time.DateTime), returned, auto)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&textbookID, "textbook", 0, "textbook ID")
	return cmd
}

// ------------------ Operator ------------------

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Auto-return overdue textbooks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mgr.AutoReturnOverdue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Returned %d overdue textbook(s)\n", res.ReturnedCount)
			return nil
		},
	}
}

func (a *app) schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the overdue sweep periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.logger.Info("scheduler started", "interval", a.cfg.SweepInterval)
			err := library.NewScheduler(a.logger, a.mgr, a.cfg.SweepInterval).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func truncateString(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	return string(r[:maxLength-3]) + "..."
}
