// dbtool runs maintenance tasks against the Postgres tuple store:
// schema bootstrap, tombstone compaction and tuple history dumps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/internal/tuple"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <schema|compact|history> [args]")
	}

	switch os.Args[1] {
	case "schema":
		schema(os.Args[2:])
	case "compact":
		compact(os.Args[2:])
	case "history":
		history(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func schema(args []string) {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	url := fs.String("url", "", "postgres connection string")
	store := fs.String("store", "", "store id")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctx, st, cleanup := connect(*url, *store)
	defer cleanup()

	if err := st.EnsureSchema(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("schema ok")
}

func compact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	url := fs.String("url", "", "postgres connection string")
	store := fs.String("store", "", "store id")
	keep := fs.Duration("keep", 30*24*time.Hour, "retain tombstones newer than this")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctx, st, cleanup := connect(*url, *store)
	defer cleanup()

	removed, err := st.Compact(ctx, time.Now().Add(-*keep))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("removed %d tombstoned tuples\n", removed)
}

func history(args []string) {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	url := fs.String("url", "", "postgres connection string")
	store := fs.String("store", "", "store id")
	object := fs.String("object", "", "object reference, e.g. document:readme")
	relation := fs.String("relation", "", "relation filter")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	var f tuple.Filter
	if *object != "" {
		ref, err := tuple.ParseObject(*object)
		if err != nil {
			fatal(err)
		}
		f.ObjectType = ref.Type
		f.ObjectID = ref.ID
	}
	f.Relation = *relation

	ctx, st, cleanup := connect(*url, *store)
	defer cleanup()

	records, err := st.History(ctx, f)
	if err != nil {
		fatal(err)
	}
	for _, rec := range records {
		state := "live"
		if !rec.TombstonedAt.IsZero() {
			state = "tombstoned " + rec.TombstonedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\n", rec.Tuple.String(), rec.CreatedAt.Format(time.RFC3339), state)
	}
}

func connect(url string, store string) (context.Context, *storage.PGStore, func()) {
	if url == "" {
		fatalf("missing --url")
	}
	if store == "" {
		fatalf("missing --store")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		cancel()
		fatal(err)
	}
	return ctx, storage.NewPGStore(pool, store), func() {
		pool.Close()
		cancel()
	}
}

func fatal(err error) {
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
