// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// ledgerctl inspects the schema of the analytics ledger and evolves its
// project references.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/conf"
	"github.com/edrlab/analytics-ledger/pkg/ident"
	"github.com/edrlab/analytics-ledger/pkg/stor"
)

func init() {
	// Output to stdout instead of the default stderr
	log.SetOutput(os.Stdout)

	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
	})
}

func usage() {
	fmt.Println("Usage: ledgerctl [-config file] [-verbose] command [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  state                        show the generation of each event table")
	fmt.Println("  evolve [-override slug=id] [-overrides file] [-detach-views]")
	fmt.Println("                               move every table to numeric project references")
	fmt.Println("  worklist [-page n] [-per-page n]")
	fmt.Println("                               list the rows left unresolved by evolution runs")
	fmt.Println("  indexes [-rebuild table]     list or rebuild the secondary indexes")
	fmt.Println()
	flag.PrintDefaults()
}

func main() {

	// parse the command line
	configFile := flag.String("config", os.Getenv("LEDGER_CONFIG"), "configuration file. LEDGER_* environment variables apply as well.")
	verbose := flag.Bool("verbose", false, "if set, display info messages; if not set, display only warnings and errors.")
	asJSON := flag.Bool("json", false, "if set, print json instead of text.")
	flag.Usage = usage
	flag.Parse()

	// the verbose flag acts on the info level
	if !*verbose {
		log.SetLevel(log.WarnLevel)
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	c, err := conf.Init(*configFile)
	if err != nil {
		log.Fatal("Configuration failed: ", err)
	}

	gen, err := ident.ParseGeneration(c.Schema.InitialGeneration)
	if err != nil {
		log.Fatal("Invalid initial generation: ", err)
	}
	st, err := stor.Init(c.Dsn, stor.WithGeneration(gen))
	if err != nil {
		log.Fatal("Database setup failed: ", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &ctl{store: st, out: os.Stdout, json: *asJSON}
	switch command {
	case "state":
		err = cli.state(ctx)
	case "evolve":
		err = cli.evolve(ctx, c.Directory, args)
	case "worklist":
		err = cli.worklist(ctx, args)
	case "indexes":
		err = cli.indexes(ctx, args)
	default:
		usage()
		st.Close()
		os.Exit(1)
	}

	if err != nil {
		st.Close()
		var unresolved *stor.UnresolvedReferenceError
		if errors.As(err, &unresolved) {
			// the run went as far as it could, the operator has to decide on the worklist
			fmt.Fprintln(os.Stderr, "Evolution incomplete:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
