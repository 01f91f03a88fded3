// crm-sync-admin runs one-off operations against the CRM sync queue using
// the same environment as crm-sync-service.
//
// Usage:
//
//	go run ./cmd/crm-sync-admin status
//	go run ./cmd/crm-sync-admin retry --id <submission-id>
//	go run ./cmd/crm-sync-admin resync --id <submission-id>
//	go run ./cmd/crm-sync-admin retry-all
//	go run ./cmd/crm-sync-admin reset-failed [--form contact]
//	go run ./cmd/crm-sync-admin refresh-schema --module Leads
//	go run ./cmd/crm-sync-admin list [--processing-status failed] [--form contact] [--limit 50]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crmsync"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/spf13/pflag"
)

const usage = `usage: crm-sync-admin <command> [flags]

commands:
  status          token and queue status
  list            list submissions
  retry           reset the retry budget of one submission and sync it now
  resync          push a synced submission again as a record update
  retry-all       sweep pending and failed submissions with budget left
  reset-failed    re-queue terminal failures
  refresh-schema  refetch one module's field metadata
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	id := fs.String("id", "", "submission id")
	form := fs.String("form", "", "form name filter")
	module := fs.String("module", "", "CRM module")
	processing := fs.String("processing-status", "", "processing status filter")
	limit := fs.Int("limit", 50, "max rows to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "status", "list", "retry", "resync", "retry-all", "reset-failed", "refresh-schema":
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
	if (command == "retry" || command == "resync") && strings.TrimSpace(*id) == "" {
		return fmt.Errorf("--id is required for %s", command)
	}
	if command == "refresh-schema" && strings.TrimSpace(*module) == "" {
		return errors.New("--module is required for refresh-schema")
	}

	config.ConnectDatabaseWithRetry()
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}
	if config.GetDB() == nil {
		return errors.New("database not initialized")
	}

	svc, err := crmsync.NewService(ctx, config.GetLogger())
	if err != nil {
		return err
	}
	defer svc.Stop()

	switch command {
	case "status":
		st, err := svc.Coordinator.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"credentials": svc.Tokens.Status(ctx), "sync": st})
	case "list":
		subs, err := svc.Store.List(ctx, models.SubmissionFilter{
			FormName:         *form,
			ProcessingStatus: models.ProcessingStatus(*processing),
			Limit:            *limit,
		})
		if err != nil {
			return err
		}
		for _, s := range subs {
			fmt.Printf("%s\t%s\t%s/%s\tretries=%d\n", s.ID, s.FormName, s.ProcessingStatus, s.SyncStatus, s.RetryCount)
		}
		return nil
	case "retry":
		outcome, err := svc.Coordinator.RetrySubmission(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"id": *id, "outcome": outcome})
	case "resync":
		outcome, err := svc.Coordinator.ResyncSubmission(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"id": *id, "outcome": outcome})
	case "retry-all":
		res, err := svc.Coordinator.RetryAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "reset-failed":
		n, err := svc.Coordinator.ResetFailed(ctx, *form)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"reset": n})
	default:
		snap, err := svc.Schema.Refresh(ctx, *module)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"module": snap.Module, "fields": len(snap.Fields), "fetched_at": snap.FetchedAt})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
