package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"adminpanel.io/internal/migrate"
	pgstore "adminpanel.io/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("ADMIN_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Read SQL from this directory instead of the embedded files")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ADMIN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-dir path] [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pgstore.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var fsys fs.FS = migrate.Embedded
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(store.DB(), fsys, migrate.MigrationsDir, migrate.SeedsDir)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var applied []migrate.Applied
		applied, err = mgr.Status(ctx)
		if err == nil {
			for _, a := range applied {
				state := "ok"
				if a.Drift {
					state = "CHANGED"
				}
				fmt.Printf("%s\t%s\t%.12s\t%s\n", a.Name, a.AppliedAt.UTC().Format(time.RFC3339), a.Checksum, state)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
