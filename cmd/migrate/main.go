package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Kdhungel/ai-newsletter-system/migrations"
)

const usage = `Usage: migrate [-db path] <command> [arg]

Commands:
  up               apply all pending migrations
  up-to VERSION    migrate up to, and including, VERSION
  down             roll back the most recent migration
  down-to VERSION  roll back down to, but not including, VERSION
  status           print per-migration status
  version          print the current schema version
`

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/newsletter.db"), "path to the sqlite database")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	if err := run(db, flag.Args()); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(db *sql.DB, args []string) error {
	switch cmd := args[0]; cmd {
	case "up":
		return goose.Up(db, ".")
	case "up-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		return goose.UpTo(db, ".", v)
	case "down":
		return goose.Down(db, ".")
	case "down-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		return goose.DownTo(db, ".", v)
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func versionArg(args []string) (int64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("missing version argument")
	}
	v, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[1], err)
	}
	return v, nil
}
