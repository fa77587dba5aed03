package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

// CLI flags
var (
	csvPath        = flag.String("csv", "", "Path to the user roster CSV (required)")
	dsn            = flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN (default: env DATABASE_URL)")
	dryRun         = flag.Bool("dry-run", false, "Parse + validate only; no DB writes")
	confirm        = flag.Bool("confirm", false, "Required to write to the database")
	resetPasswords = flag.Bool("reset-passwords", false, "Overwrite passwords of existing accounts")
	advisoryKey    = flag.Int64("advisory-lock", 0, "Optional Postgres advisory lock key (e.g., 424242). 0 = disabled")
)

func main() {
	_ = godotenv.Load(".env.local")
	flag.Parse()
	if *csvPath == "" {
		fatalf("--csv is required")
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fatalf("open CSV: %v", err)
	}
	rows, err := loadCSV(f)
	_ = f.Close()
	if err != nil {
		fatalf("CSV error: %v", err)
	}
	if err := validateRows(rows); err != nil {
		fatalf("CSV validation failed: %v", err)
	}

	fmt.Printf("Loaded %d users from %s\n", len(rows), *csvPath)

	if *dryRun {
		printPlan(os.Stdout, rows)
		fmt.Println("Dry run complete. No changes made.")
		return
	}
	if !*confirm {
		fatalf("Refusing to run without --confirm. Add --dry-run to preview.")
	}
	if *dsn == "" {
		fatalf("--dsn not provided and DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		fatalf("ping: %v", err)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		fatalf("begin tx: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if *advisoryKey != 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, *advisoryKey); err != nil {
			fatalf("advisory lock: %v", err)
		}
	}

	before, err := countUsers(ctx, tx)
	if err != nil {
		fatalf("pre-count: %v", err)
	}

	res, err := upsertUsers(ctx, tx, rows, *resetPasswords)
	if err != nil {
		fatalf("upsert users: %v", err)
	}

	after, err := countUsers(ctx, tx)
	if err != nil {
		fatalf("post-count: %v", err)
	}
	if after-before != int64(res.Created) {
		fatalf("sanity check failed: %d rows added, expected %d", after-before, res.Created)
	}

	if err := tx.Commit(); err != nil {
		fatalf("commit: %v", err)
	}
	fmt.Printf("Seed complete: %d created, %d updated (users now %d)\n", res.Created, res.Updated, after)
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
