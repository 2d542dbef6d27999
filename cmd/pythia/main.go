// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command pythia is the driver binary spec.md §6.2 describes: it reads a
// config file, builds an operator tree, runs the lifecycle sequence once
// on tid 0, streams result pages to stdout, and exits. Since the
// config-to-plan constructor (walking a config.Node tree and
// instantiating the operator.Op named by each group's "type") is
// explicitly out of scope (spec.md §1), this binary wires a small, fixed
// demonstration pipeline directly in Go -- the config file is parsed
// through the config package and only its top-level "buffsize" scalar is
// read, and logged; nothing else in it affects the run.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/sblanas/pythia-sub000/comparator"
	"github.com/sblanas/pythia-sub000/config"
	"github.com/sblanas/pythia-sub000/internal/plog"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/ops"
)

var (
	dashconfig  string
	dashsize    int
	dashwidth   int
	dashthresh  int
	dashtree    bool
	dashverbose bool
)

func init() {
	flag.StringVar(&dashconfig, "config", "", "path to a Pythia config file (optional; its buffsize is logged)")
	flag.IntVar(&dashsize, "size", 1, "megabytes of rows the demo generator produces")
	flag.IntVar(&dashwidth, "width", 16, "byte width of each generated tuple")
	flag.IntVar(&dashthresh, "threshold", 0, "keep rows whose key column is greater than this value")
	flag.BoolVar(&dashtree, "tree", false, "print the operator tree instead of running it")
	flag.BoolVar(&dashverbose, "v", false, "enable tracing and log the total row count and NUMA allocation stats to stderr")
}

func main() {
	flag.Parse()
	plog.Verbose = dashverbose
	runID := uuid.New().String()
	logger := log.New(os.Stderr, fmt.Sprintf("pythia[%s] ", runID[:8]), log.LstdFlags)

	if dashconfig != "" {
		data, err := os.ReadFile(dashconfig)
		if err != nil {
			logger.Fatalf("reading config: %v", err)
		}
		node, err := config.Parse(data)
		if err != nil {
			logger.Fatalf("parsing config: %v", err)
		}
		if node.Exists("buffsize") {
			if n, err := node.Int("buffsize"); err == nil {
				logger.Printf("config buffsize = %d", n)
			}
		}
	}

	root, err := buildPipeline()
	if err != nil {
		logger.Fatalf("building pipeline: %v", err)
	}
	plog.Tracef("pythia: built pipeline, threshold=%d size=%dMB width=%d", dashthresh, dashsize, dashwidth)

	if dashtree {
		operator.Print(os.Stdout, root)
		return
	}

	if err := run(root, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

// buildPipeline wires Generator -> Filter -> ThreadIdPrepend, the same
// shape spec.md §8's first seed scenario (Filter behind a Scan) uses,
// substituting Generator for the file-backed scan the seed scenario
// assumes, since no loader is in scope here.
func buildPipeline() (operator.Op, error) {
	gen, err := ops.NewGenerator(dashsize, dashwidth, 1)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	value := int32ToLE(int32(dashthresh))
	f := ops.NewFilter(gen, 0, comparator.GT, value, 1)
	return ops.NewThreadIdPrepend(f, 1), nil
}

func int32ToLE(v int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}

// run drives root through the lifecycle sequence spec.md §4.2/§6.2
// mandates on a single thread (tid 0): Init once, then a visitor-driven
// pre-order ThreadInit, ScanStart, a GetNext loop until Finished,
// ScanStop, a visitor-driven post-order ThreadClose, and finally a
// visitor-driven post-order Destroy.
func run(root operator.Op, logger *log.Logger) error {
	const tid = 0
	ctx := context.Background()

	if err := root.Init(nil); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := operator.RecursiveThreadInit(root, tid); err != nil {
		return fmt.Errorf("threadInit: %w", err)
	}
	if _, err := root.ScanStart(ctx, tid, nil, nil); err != nil {
		return fmt.Errorf("scanStart: %w", err)
	}

	out := bufio.NewWriter(os.Stdout)
	sch := root.OutSchema()
	rows := 0
	for {
		code, pg, err := root.GetNext(ctx, tid)
		if err != nil {
			return fmt.Errorf("getNext: %w", err)
		}
		if pg != nil {
			if err := sch.PrettyPrint(out, pg); err != nil {
				return fmt.Errorf("printing results: %w", err)
			}
			rows += pg.TupleCount()
		}
		if code == operator.Finished {
			break
		}
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}
	if dashverbose {
		logger.Printf("produced %d rows", rows)
		for origin, n := range numa.Stats() {
			logger.Printf("numa alloc %s: %d", origin, n)
		}
	}

	if _, err := root.ScanStop(ctx, tid); err != nil {
		return fmt.Errorf("scanStop: %w", err)
	}
	if err := operator.RecursiveThreadClose(root, tid); err != nil {
		return fmt.Errorf("threadClose: %w", err)
	}
	if err := operator.RecursiveDestroy(root); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}
