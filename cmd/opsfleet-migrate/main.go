// Command opsfleet-migrate applies pending pkg/storage migrations against
// a control plane's sqlite database, with an optional dry run and an
// always-on pre-migration backup — the same flag-driven shape as the
// teacher's own bbolt migration tool, pointed at the new schema instead.
package main

import (
	"database/sql"
	"flag"
	"io"
	"log"
	"os"

	"github.com/opsfleet/opsfleet/pkg/storage"

	_ "modernc.org/sqlite"
)

var (
	dbPath     = flag.String("db", "/var/lib/opsfleet/opsfleet.db", "Path to the control plane's sqlite database")
	dryRun     = flag.Bool("dry-run", false, "Apply migrations to a scratch copy and report, without touching the real database")
	backupPath = flag.String("backup", "", "Path to back up the database before migrating (default: <db>.backup)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)
	log.Println("opsfleet migration tool")
	log.Println("========================")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", *dbPath)
	}

	if *dryRun {
		runDryRun()
		return
	}

	backup := *backupPath
	if backup == "" {
		backup = *dbPath + ".backup"
	}
	log.Printf("backing up %s to %s", *dbPath, backup)
	if err := copyFile(*dbPath, backup); err != nil {
		log.Fatalf("backup failed: %v", err)
	}
	log.Println("backup created")

	before, err := appliedMigrationCount(*dbPath)
	if err != nil {
		log.Fatalf("read schema version: %v", err)
	}

	store, err := storage.NewSQLStore(*dbPath)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer store.Close()

	after, err := appliedMigrationCount(*dbPath)
	if err != nil {
		log.Fatalf("read schema version: %v", err)
	}

	log.Printf("applied %d new migration(s) (%d -> %d)", after-before, before, after)
	log.Println("migration complete")
}

// runDryRun applies migrations to a scratch copy of the database so the
// real file is never touched, then reports what would have changed.
func runDryRun() {
	scratch, err := os.CreateTemp("", "opsfleet-migrate-dryrun-*.db")
	if err != nil {
		log.Fatalf("create scratch file: %v", err)
	}
	scratchPath := scratch.Name()
	scratch.Close()
	defer os.Remove(scratchPath)

	if err := copyFile(*dbPath, scratchPath); err != nil {
		log.Fatalf("copy to scratch: %v", err)
	}

	before, err := appliedMigrationCount(scratchPath)
	if err != nil {
		log.Fatalf("read schema version: %v", err)
	}

	store, err := storage.NewSQLStore(scratchPath)
	if err != nil {
		log.Fatalf("dry-run migrate: %v", err)
	}
	defer store.Close()

	after, err := appliedMigrationCount(scratchPath)
	if err != nil {
		log.Fatalf("read schema version: %v", err)
	}

	log.Printf("[dry run] %d migration(s) would be applied (%d -> %d)", after-before, before, after)
	log.Println("[dry run] no changes made to the real database")
}

func appliedMigrationCount(path string) (int, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
