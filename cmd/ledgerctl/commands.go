// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

// ctl runs the commands against a store.
type ctl struct {
	store stor.Store
	out   io.Writer
	json  bool
}

// overrides collects repeated -override slug=id flags.
type overrides map[string]int64

func (o overrides) String() string {
	var pairs []string
	for slug, id := range o {
		pairs = append(pairs, slug+"="+strconv.FormatInt(id, 10))
	}
	return strings.Join(pairs, ",")
}

func (o overrides) Set(value string) error {
	slug, id, ok := strings.Cut(value, "=")
	if !ok || slug == "" {
		return fmt.Errorf("expected slug=id, got %q", value)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 1 {
		return fmt.Errorf("invalid project id %q for %s", id, slug)
	}
	o[slug] = n
	return nil
}

// load reads a yaml file mapping slugs to project ids.
func (o overrides) load(file string) error {
	f, _ := filepath.Abs(file)
	data, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	m := make(map[string]int64)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("reading overrides from %s: %w", file, err)
	}
	for slug, id := range m {
		if id < 1 {
			return fmt.Errorf("invalid project id %d for %s", id, slug)
		}
		// explicit flags win over the file
		if _, ok := o[slug]; !ok {
			o[slug] = id
		}
	}
	return nil
}

func (c *ctl) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *ctl) table(header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// state prints the generation of each table.
func (c *ctl) state(ctx context.Context) error {
	states, err := c.store.Evolution().States(ctx)
	if err != nil {
		return err
	}
	if c.json {
		type stateJSON struct {
			stor.TableState
			Phase string `json:"phase"`
		}
		out := make([]stateJSON, 0, len(states))
		for _, s := range states {
			out = append(out, stateJSON{s, s.Phase()})
		}
		return c.printJSON(out)
	}
	tw := c.table("TABLE\tSTATE\tEVOLVED AT")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Table, s.Phase(), formatTime(s.EvolvedAt))
	}
	return tw.Flush()
}

// evolve moves the tables to numeric project references.
func (c *ctl) evolve(ctx context.Context, dc conf.Directory, args []string) error {
	fs := flag.NewFlagSet("evolve", flag.ContinueOnError)
	ov := overrides{}
	fs.Var(ov, "override", "slug=id, maps a slug to a project id ahead of the directory. Can be repeated.")
	file := fs.String("overrides", "", "yaml file mapping slugs to project ids.")
	detach := fs.Bool("detach-views", false, "if set, views with an unresolved slug are kept without a project.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file != "" {
		if err := ov.load(*file); err != nil {
			return err
		}
	}

	dir, err := directory.New(dc)
	if err != nil {
		return err
	}

	log.Infof("Evolving with %d overrides", len(ov))
	report, err := c.store.Evolution().Evolve(ctx, dir, stor.EvolveOptions{
		Overrides:             ov,
		DetachUnresolvedViews: *detach,
	})
	if report != nil {
		if perr := c.printReport(report); perr != nil {
			return perr
		}
	}
	return err
}

func (c *ctl) printReport(report *stor.EvolutionReport) error {
	if c.json {
		return c.printJSON(report)
	}
	tw := c.table("TABLE\tBEFORE\tAFTER\tRESOLVED\tDETACHED\tUNRESOLVED")
	for _, t := range report.Tables {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", t.Table, t.Before, t.After, t.ResolvedRows, t.DetachedRows, t.UnresolvedRows)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(report.Worklist) > 0 {
		fmt.Fprintln(c.out, "\nRun `ledgerctl worklist` to list the unresolved rows, then resolve them with -override.")
	}
	return nil
}

// worklist prints a page of unresolved rows.
func (c *ctl) worklist(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worklist", flag.ContinueOnError)
	page := fs.Int("page", 1, "page number.")
	perPage := fs.Int("per-page", 100, "rows per page.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := c.store.Evolution().Worklist(ctx, *page, *perPage)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(entries)
	}
	tw := c.table("TABLE\tROW\tPROJECT\tRECORDED AT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Table, e.RowID, e.Slug, formatTime(&e.CreatedAt))
	}
	return tw.Flush()
}

// indexes prints the secondary indexes, after an optional rebuild.
func (c *ctl) indexes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("indexes", flag.ContinueOnError)
	rebuild := fs.String("rebuild", "", "table whose indexes are dropped and created again.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rebuild != "" {
		f, err := stor.ParseFamily(*rebuild)
		if err != nil {
			return err
		}
		if err := c.store.Index().Rebuild(ctx, f); err != nil {
			return err
		}
		log.Infof("Indexes of %s rebuilt", f)
	} else if err := c.store.Index().Ensure(ctx); err != nil {
		return err
	}

	indexes, err := c.store.Index().List(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(indexes)
	}
	tw := c.table("TABLE\tINDEX\tCOLUMN\tPRESENT")
	missing := 0
	for _, ix := range indexes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", ix.Table, ix.Name, ix.Column, ix.Present)
		if !ix.Present {
			missing++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if missing > 0 {
		return fmt.Errorf("%d indexes could not be created", missing)
	}
	return nil
}
