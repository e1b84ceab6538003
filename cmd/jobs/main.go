package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rezkam/fleetq/internal/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "submit":
		err = submit(ctx, os.Args[2:])
	case "cancel":
		err = cancel(ctx, os.Args[2:])
	case "list":
		err = list(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(client.ExitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  jobs submit [--env E] [--priority N] [--max-retries N] [--idempotency-key K] PATH
  jobs cancel ID
  jobs list [--status S]`)
}

func newClient(flags *flag.FlagSet) (server, tenant *string) {
	server = flags.String("server", serverURL(), "orchestrator base URL")
	tenant = flags.String("tenant", "", "tenant identifier header")
	return server, tenant
}

func submit(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("submit", flag.ExitOnError)
	server, tenant := newClient(flags)
	env := flags.String("env", "", "target environment")
	priority := flags.Int("priority", -1, "priority 0-20 (higher runs first)")
	maxRetries := flags.Int("max-retries", -1, "retry budget")
	delay := flags.Int("delay-seconds", 0, "delay before the job becomes visible")
	idempotencyKey := flags.String("idempotency-key", "", "dedupe key for retried submissions")
	workflowID := flags.String("workflow-id", "", "workflow identifier (default: file name)")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	path := flags.Arg(0)
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read workflow file: %w", err)
	}

	req := client.SubmitRequest{
		WorkflowID:            *workflowID,
		Workflow:              json.RawMessage(payload),
		Environment:           *env,
		ScheduledDelaySeconds: *delay,
		IdempotencyKey:        *idempotencyKey,
	}
	if req.WorkflowID == "" {
		base := path
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		req.WorkflowID = strings.TrimSuffix(base, ".json")
	}
	if *priority >= 0 {
		req.Priority = priority
	}
	if *maxRetries >= 0 {
		req.MaxRetries = maxRetries
	}

	jobID, err := client.New(*server, *tenant).Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(jobID)
	return nil
}

func cancel(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("cancel", flag.ExitOnError)
	server, tenant := newClient(flags)
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if err := client.New(*server, *tenant).CancelJob(ctx, flags.Arg(0)); err != nil {
		return err
	}
	fmt.Println("cancelled")
	return nil
}

func list(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	server, tenant := newClient(flags)
	status := flags.String("status", "", "filter by status")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	jobs, total, err := client.New(*server, *tenant).ListJobs(ctx, *status)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tPRIORITY\tRETRIES\tCREATED\tERROR")
	for _, job := range jobs {
		lastError := ""
		if job.LastError != nil {
			lastError = *job.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			job.ID, job.WorkflowID, job.Status, job.Priority,
			job.RetryCount, job.MaxRetries,
			job.CreatedAt.Format("2006-01-02 15:04:05"), lastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d job(s)\n", total)
	return nil
}

func serverURL() string {
	if url := os.Getenv("ORCHESTRATOR_URL"); url != "" {
		return url
	}
	if addr := os.Getenv("ORCHESTRATOR_ADDR"); strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://localhost:8080"
}
