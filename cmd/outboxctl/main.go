// Command outboxctl inspects and repairs the outbox table.
//
//	outboxctl [flags] dead-letters
//	outboxctl [flags] retry <event-id>
//	outboxctl [flags] park <event-id> [reason]
//	outboxctl [flags] cleanup [-days N]
//	outboxctl [flags] status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outbox/internal/app/outbox"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
	"github.com/coachpo/outbox/internal/infra/config"
	"github.com/coachpo/outbox/internal/infra/persistence/postgres"
	"github.com/coachpo/outbox/internal/observability"
)

const (
	defaultConfigPath = "config/outbox.yaml"
	defaultTimeout    = 30 * time.Second
)

// admin is the subset of the outbox writer the CLI drives.
type admin interface {
	DeadLetterEvents(ctx context.Context) ([]outboxstore.Record, error)
	RetryDeadLetterEvent(ctx context.Context, id string) error
	MoveToDeadLetter(ctx context.Context, id string, errorMessage string) error
	CleanupPublishedEvents(ctx context.Context, daysToKeep int) (int64, error)
	Counts(ctx context.Context) (map[outboxstore.Status]int64, error)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("outboxctl", flag.ContinueOnError)
	var (
		cfgPath = fs.String("config", defaultConfigPath, "Path to application configuration file")
		dsn     = fs.String("database", "", "PostgreSQL DSN overriding the configuration file")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time for the command")
		asJSON  = fs.Bool("json", false, "Emit JSON instead of tables")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (dead-letters|retry|park|cleanup|status)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	appCfg, _, err := config.LoadOrDefault(ctx, *cfgPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) != "" {
		appCfg.Database.DSN = *dsn
	}

	pool, err := postgres.NewPool(ctx, appCfg.Database.DSN, postgres.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	writer, err := outbox.NewWriter(postgres.NewOutboxStore(pool),
		outbox.WithMaxRetries(appCfg.Outbox.MaxRetries),
		outbox.WithBackoffBase(appCfg.Outbox.BackoffBase),
		outbox.WithLogger(observability.Nop()),
	)
	if err != nil {
		return err
	}
	return execute(ctx, writer, args, stdout, *asJSON, appCfg.Outbox.Retention())
}

func execute(ctx context.Context, a admin, args []string, out io.Writer, asJSON bool, defaultDays int) error {
	switch args[0] {
	case "dead-letters":
		records, err := a.DeadLetterEvents(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, deadLetterViews(records))
		}
		return writeDeadLetters(out, records)
	case "retry":
		if len(args) < 2 {
			return errors.New("retry requires an event id")
		}
		if err := a.RetryDeadLetterEvent(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "event %s re-queued\n", args[1])
		return nil
	case "park":
		if len(args) < 2 {
			return errors.New("park requires an event id")
		}
		reason := "parked by operator"
		if len(args) > 2 {
			reason = strings.Join(args[2:], " ")
		}
		if err := a.MoveToDeadLetter(ctx, args[1], reason); err != nil {
			return err
		}
		fmt.Fprintf(out, "event %s moved to dead letter\n", args[1])
		return nil
	case "cleanup":
		sub := flag.NewFlagSet("cleanup", flag.ContinueOnError)
		sub.SetOutput(io.Discard)
		days := sub.Int("days", defaultDays, "Keep published events newer than this many days")
		if err := sub.Parse(args[1:]); err != nil {
			return err
		}
		deleted, err := a.CleanupPublishedEvents(ctx, *days)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, map[string]any{"deleted": deleted, "daysToKeep": *days})
		}
		fmt.Fprintf(out, "deleted %d published events older than %d days\n", deleted, *days)
		return nil
	case "status":
		counts, err := a.Counts(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, counts)
		}
		return writeCounts(out, counts)
	default:
		return fmt.Errorf("unknown command %q (expected dead-letters, retry, park, cleanup or status)", args[0])
	}
}

type deadLetterView struct {
	ID            string    `json:"id"`
	EventType     string    `json:"eventType"`
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	Error         string    `json:"error"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func deadLetterViews(records []outboxstore.Record) []deadLetterView {
	views := make([]deadLetterView, 0, len(records))
	for _, r := range records {
		views = append(views, deadLetterView{
			ID:            r.ID,
			EventType:     r.EventType,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			RetryCount:    r.RetryCount,
			MaxRetries:    r.MaxRetries,
			Error:         r.ErrorMessage,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return views
}

func writeDeadLetters(out io.Writer, records []outboxstore.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no dead letter events")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAGGREGATE\tRETRIES\tUPDATED\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d/%d\t%s\t%s\n",
			r.ID, r.EventType, r.AggregateType, r.AggregateID, r.RetryCount, r.MaxRetries,
			r.UpdatedAt.Format(time.RFC3339), truncate(r.ErrorMessage, 80))
	}
	return tw.Flush()
}

func writeCounts(out io.Writer, counts map[outboxstore.Status]int64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, status := range []outboxstore.Status{
		outboxstore.StatusPending,
		outboxstore.StatusFailed,
		outboxstore.StatusDeadLetter,
		outboxstore.StatusPublished,
	} {
		fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
