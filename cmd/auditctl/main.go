// auditctl is the operator CLI for the audit chain: verify integrity, export
// events as CSV, and issue access tokens for service accounts.
//
// Connection settings come from the same ADMIN_* environment variables the
// API server reads.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/config"
	"adminpanel.io/internal/session"
	pgstore "adminpanel.io/internal/store/pg"
)

// backend is what verify and export need from the database.
type backend interface {
	audit.Store
	audit.ActorDirectory
	Close() error
}

var openBackend = func(dsn string) (backend, error) {
	if dsn == "" {
		return nil, errors.New("ADMIN_PG_DSN is not set")
	}
	store, err := pgstore.Open(dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// exitError carries a process exit code distinct from 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			fmt.Fprintln(os.Stderr, coded.msg)
			os.Exit(coded.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return &exitError{code: 2, msg: "missing command"}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch args[0] {
	case "verify":
		return runVerify(ctx, cfg, args[1:], stdout)
	case "export":
		return runExport(ctx, cfg, args[1:], stdout)
	case "token":
		return runToken(ctx, cfg, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return &exitError{code: 2, msg: fmt.Sprintf("unknown command %q", args[0])}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: auditctl <command> [flags]

Commands:
  verify   recompute hashes and links over a range of audit events
  export   write audit events as CSV
  token    issue an access token for a user or service account

Run "auditctl <command> --help" for command flags.
`)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("auditctl "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, &exitError{code: 2, msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return false, &exitError{code: 2, msg: "unexpected argument: " + fs.Arg(0)}
	}
	return false, nil
}

func runVerify(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("verify")
	fromID := fs.Int64("from", 0, "first event id (0 = start of chain)")
	toID := fs.Int64("to", 0, "last event id (0 = end of chain)")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	store, err := openBackend(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, badID, err := audit.NewChain(store).Verify(ctx, *fromID, *toID)
	if err != nil {
		return err
	}
	if !ok {
		return &exitError{code: 3, msg: fmt.Sprintf("audit chain broken at event %d", badID)}
	}
	fmt.Fprintln(stdout, "audit chain valid")
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	var (
		f      audit.Filter
		entity string
		since  string
		until  string
		out    string
	)
	fs.StringVar(&f.ActorID, "actor", "", "only events by this actor id")
	fs.StringVar(&f.Action, "action", "", "only events with this action")
	fs.StringVar(&entity, "entity", "", "only events on this entity, as type or type:id")
	fs.StringVar(&since, "since", "", "start of range, RFC 3339 or YYYY-MM-DD (inclusive)")
	fs.StringVar(&until, "until", "", "end of range, RFC 3339 or YYYY-MM-DD (exclusive)")
	fs.StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	if entity != "" {
		f.EntityType, f.EntityID, _ = strings.Cut(entity, ":")
	}
	var err error
	if f.From, err = parseDate(since); err != nil {
		return &exitError{code: 2, msg: "invalid --since: " + err.Error()}
	}
	if f.To, err = parseDate(until); err != nil {
		return &exitError{code: 2, msg: "invalid --until: " + err.Error()}
	}

	store, err := openBackend(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	w := stdout
	if out != "" {
		file, err := os.Create(out)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}

	q := audit.NewQuery(store,
		audit.WithActorDirectory(store),
		audit.WithMaxExportRange(cfg.ExportMaxRange),
	)
	n, err := q.ExportCSV(ctx, w, f)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintf(stdout, "exported %d events to %s\n", n, out)
	}
	return nil
}

func runToken(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("token")
	user := fs.String("user", "", "user or service account id")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return &exitError{code: 2, msg: "--user is required"}
	}
	if cfg.AuthSecret == "" {
		return errors.New("ADMIN_AUTH_SECRET is not set")
	}

	// Without Redis the session is not recorded and RevokeAll will not find it.
	var sessions auth.SessionStore
	if cfg.RedisAddr != "" {
		kv := session.NewRedisKV(session.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		defer kv.Close()
		sessions = session.NewRegistry(kv, session.WithLifetime(*ttl), session.WithTimeout(cfg.StoreTimeout))
	}

	tokens, err := auth.NewTokens(cfg.AuthSecret, sessions, auth.WithTokenLifetime(*ttl))
	if err != nil {
		return err
	}
	issued, err := tokens.Issue(ctx, *user, session.Metadata{UserAgent: "auditctl"})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, issued.Token)
	fmt.Fprintf(stderr, "token %s expires %s\n", issued.ID, issued.ExpiresAt.Format(time.RFC3339))
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return t, nil
}
