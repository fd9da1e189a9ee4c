package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"worldgate/internal/identity/models"
	"worldgate/internal/identity/store"
	wgstrings "worldgate/pkg/platform/strings"
)

// invalidator drops a player's cached profile after its record changes.
type invalidator interface {
	Invalidate(ctx context.Context, persistentID string) error
}

type commands struct {
	players     store.Store
	invalidator invalidator
	out         io.Writer
}

func (c *commands) dispatch(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "create":
		return c.create(ctx, rest)
	case "get":
		return c.get(ctx, rest)
	case "list":
		return c.list(ctx, rest)
	case "rename":
		return c.rename(ctx, rest)
	case "count":
		return c.count(ctx)
	}
	return fmt.Errorf("unknown command %q", name)
}

func (c *commands) create(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	id := fs.String("id", "", "persistent id (default: a new UUID)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: create <username> [--id <persistent-id>]")
	}
	if *id == "" {
		*id = uuid.NewString()
	}
	rec := &models.PlayerRecord{PersistentID: *id, Username: fs.Arg(0)}
	if err := c.players.Create(ctx, rec); err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	return c.printJSON(rec.ToProfile())
}

func (c *commands) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <persistent-id>")
	}
	rec, err := c.players.FindByPersistentID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get player %s: %w", args[0], err)
	}
	return c.printJSON(rec.ToProfile())
}

func (c *commands) list(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum players to list")
	ids := fs.StringSlice("ids", nil, "only these persistent ids")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		recs []*models.PlayerRecord
		err  error
	)
	if wanted := wgstrings.DedupeAndTrim(*ids); len(wanted) > 0 {
		recs, err = c.players.FindMany(ctx, wanted)
	} else {
		recs, err = c.players.List(ctx, *limit)
	}
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSISTENT ID\tUSERNAME\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.PersistentID, r.Username, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *commands) rename(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: rename <persistent-id> <username>")
	}
	id, username := args[0], args[1]
	if err := c.players.Rename(ctx, id, username); err != nil {
		return fmt.Errorf("rename player %s: %w", id, err)
	}
	if c.invalidator != nil {
		if err := c.invalidator.Invalidate(ctx, id); err != nil {
			return fmt.Errorf("player renamed but cached profile was not dropped: %w", err)
		}
	}
	fmt.Fprintf(c.out, "renamed %s to %s\n", id, username)
	return nil
}

func (c *commands) count(ctx context.Context) error {
	n, err := c.players.Count(ctx)
	if err != nil {
		return fmt.Errorf("count players: %w", err)
	}
	fmt.Fprintln(c.out, n)
	return nil
}

func (c *commands) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
