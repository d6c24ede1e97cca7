// Command pointerctl inspects and edits the read pointer store.
//
// The ingest daemon must be stopped while pointerctl runs against a bolt
// store: bbolt holds an exclusive file lock.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/config"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/offset"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: pointerctl [--backend bolt|sqlite] [--db PATH] <command> [flags]

Commands:
  list                                   print all read pointers
  reset --server ID --category NAME      delete one pointer (next run starts from the earliest candidate)
  deactivate --server ID                 delete every pointer of a server
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pointerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	defaults, err := config.LoadStore()
	if err != nil {
		return err
	}

	global := flag.NewFlagSet("pointerctl", flag.ContinueOnError)
	global.SetInterspersed(false)
	backend := global.String("backend", defaults.PointerBackend, "pointer store backend (INGEST_POINTER_BACKEND)")
	dbPath := global.String("db", defaults.PointerPath, "pointer store path (INGEST_POINTER_PATH)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return fmt.Errorf("missing command")
	}

	store, err := offset.Open(*backend, *dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch rest[0] {
	case "list":
		return list(ctx, store, out)
	case "reset":
		return reset(ctx, store, rest[1:], out)
	case "deactivate":
		return deactivate(ctx, store, rest[1:], out)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func list(ctx context.Context, store offset.PointerStore, out io.Writer) error {
	pointers, err := store.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tCATEGORY\tFILE\tPOSITION\tSIZE\tUPDATED")
	for _, p := range pointers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ServerID, p.Category, p.FileName, p.Position, p.ObservedFileSize,
			p.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func reset(ctx context.Context, store offset.PointerStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	server := fs.String("server", "", "server id")
	category := fs.String("category", "", "log category")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *server == "" || *category == "" {
		return fmt.Errorf("reset requires --server and --category")
	}

	if err := store.Delete(ctx, *server, domain.Category(*category)); err != nil {
		return err
	}
	fmt.Fprintf(out, "reset %s\n", domain.PointerKey(*server, domain.Category(*category)))
	return nil
}

func deactivate(ctx context.Context, store offset.PointerStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	server := fs.String("server", "", "server id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *server == "" {
		return fmt.Errorf("deactivate requires --server")
	}

	n, err := store.DeleteServer(ctx, *server)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d pointer(s) for server %s\n", n, *server)
	return nil
}
