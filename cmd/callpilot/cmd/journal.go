package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/callpilot/internal/config"
	"github.com/kdimtricp/callpilot/internal/database"
	"github.com/kdimtricp/callpilot/internal/logging"
)

var journalPath string

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Manage the local decision journal",
}

var journalMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the journal schema and show migration status",
	Long: `Opens the sqlite journal (journal.path, or --path), applies any pending
migrations and lists every migration with its status. serve does the same on
startup; this is for preparing a journal ahead of time.`,
	Args: cobra.NoArgs,
	RunE: runJournalMigrate,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalMigrateCmd)
	journalCmd.PersistentFlags().StringVar(&journalPath, "path", "", "journal file (default journal.path from config)")
}

func runJournalMigrate(cmd *cobra.Command, args []string) error {
	path := journalPath
	if path == "" {
		cfg, _, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		path = cfg.Journal.Path
	}
	if path == "" {
		return fmt.Errorf("no journal configured: set journal.path or pass --path")
	}

	db, err := database.NewDB(database.Config{Path: path}, logging.Discard())
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := database.NewMigrator(db.Conn(), logging.Discard())
	applied, err := migrator.GetAppliedMigrations()
	if err != nil {
		return err
	}
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		return err
	}

	count, err := database.NewJournal(db).Count(context.Background())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		type migrationStatus struct {
			Version string `json:"version"`
			Name    string `json:"name"`
			Applied bool   `json:"applied"`
		}
		out := struct {
			Path       string            `json:"path"`
			Decisions  int               `json:"decisions"`
			Migrations []migrationStatus `json:"migrations"`
		}{Path: path, Decisions: count}
		for _, m := range migrations {
			out.Migrations = append(out.Migrations, migrationStatus{m.Version, m.Name, applied[m.Version]})
		}
		return printJSON(out)
	}

	fmt.Printf("Journal: %s\n", path)
	fmt.Println("Migration Status:")
	for _, m := range migrations {
		status := "pending"
		if applied[m.Version] {
			status = "applied"
		}
		fmt.Printf("  %s - %s [%s]\n", m.Version, m.Name, status)
	}
	fmt.Printf("Decisions recorded: %d\n", count)
	return nil
}
