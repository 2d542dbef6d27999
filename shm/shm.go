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

// Package shm implements Pythia's persisted state (spec.md §6.3): a
// sink that drains an operator's output into one or more POSIX
// shared-memory-style segments, and a reader that maps them back in as a
// chain of non-owning pages. Grounded on
// original_source/operators/memsegmentwriter.cpp (writer) and
// original_source/operators/loaders/table.cpp's MemMappedTable::doload
// (reader).
package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// segmentDigits is the decimal counter width; overflowing it is a fatal
// configuration error per spec.md §6.3.
const segmentDigits = 7

const maxCounter = 9999999

// Writer is MemSegmentWriter: it drains its child and writes each output
// page's tuples into a chain of fixed-size segments named
// <pathPrefix><7-digit-counter>, truncating the final segment to its used
// byte count and unlinking any segment that ends up empty.
type Writer struct {
	operator.SingleInput

	pathPrefix string
	buffsize   int

	sch     schema.Schema
	counter int

	states []*writerState
}

type writerState struct {
	seg *segment
	out *page.Buffer // always empty; Writer is a pure sink
}

// segment is one open, mmap'd output file.
type segment struct {
	name string
	data []byte
	used int
}

// NewWriter builds a Writer emitting segments under pathPrefix, each up to
// buffsize bytes.
func NewWriter(child operator.Op, pathPrefix string, buffsize int, nthreads int) *Writer {
	return &Writer{
		SingleInput: operator.SingleInput{Child: child},
		pathPrefix:  pathPrefix,
		buffsize:    buffsize,
		states:      make([]*writerState, nthreads),
	}
}

func (w *Writer) OutSchema() *schema.Schema { return &w.sch }

func (w *Writer) Accept(v operator.Visitor) error {
	if err := v.Visit(w); err != nil {
		return err
	}
	return w.Child.Accept(v)
}

func (w *Writer) Init(cfg operator.Config) error {
	if err := w.Child.Init(cfg); err != nil {
		return fmt.Errorf("shm: %w", err)
	}
	w.sch = *w.Child.OutSchema()
	return nil
}

func (w *Writer) ThreadInit(tid int) error {
	out, err := page.New(nil, w.sch.TupleSize(), "")
	if err != nil {
		return fmt.Errorf("shm: %w", err)
	}
	w.states[tid] = &writerState{out: out}
	return nil
}

func (w *Writer) segmentName() string {
	return fmt.Sprintf("%s%0*d", w.pathPrefix, segmentDigits, w.counter)
}

func (w *Writer) openSegment() (*segment, error) {
	name := w.segmentName()
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(w.buffsize)); err != nil {
		return nil, fmt.Errorf("shm: truncate segment %s: %w", name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, w.buffsize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap segment %s: %w", name, err)
	}
	return &segment{name: name, data: data}, nil
}

// closeSegment unmaps seg and truncates its file to the real used size,
// unlinking it entirely if nothing was written.
func closeSegment(seg *segment) error {
	if err := unix.Munmap(seg.data); err != nil {
		return fmt.Errorf("shm: munmap %s: %w", seg.name, err)
	}
	if seg.used == 0 {
		return os.Remove(seg.name)
	}
	return os.Truncate(seg.name, int64(seg.used))
}

func (w *Writer) nextSegment() error {
	w.counter++
	if w.counter > maxCounter {
		return fmt.Errorf("shm: segment counter overflowed %d digits", segmentDigits)
	}
	return nil
}

// GetNext drains child to completion, spilling every tuple into the
// current segment and rolling to a new one when full, then closes the
// last segment and returns Finished with an empty page -- Writer is a
// pure sink.
func (w *Writer) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := w.states[tid]
	tupleSize := w.sch.TupleSize()

	seg, err := w.openSegment()
	if err != nil {
		return operator.Error, nil, err
	}
	ts.seg = seg

	for {
		code, pg, err := w.Child.GetNext(ctx, tid)
		if err != nil {
			return operator.Error, nil, err
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			if seg.used+tupleSize > len(seg.data) {
				if err := closeSegment(seg); err != nil {
					return operator.Error, nil, err
				}
				if err := w.nextSegment(); err != nil {
					return operator.Error, nil, err
				}
				seg, err = w.openSegment()
				if err != nil {
					return operator.Error, nil, err
				}
				ts.seg = seg
			}
			copy(seg.data[seg.used:seg.used+tupleSize], tup)
			seg.used += tupleSize
		}
		if code == operator.Finished {
			break
		}
	}

	if err := closeSegment(seg); err != nil {
		return operator.Error, nil, err
	}
	ts.seg = nil
	return operator.Finished, ts.out, nil
}

func (w *Writer) ThreadClose(tid int) error { return nil }

func (w *Writer) Destroy() error { return nil }

// Table is MemMappedTable: it globs filePattern, mmaps every matching
// regular file MAP_PRIVATE|MAP_NORESERVE|MAP_POPULATE (read-only, never
// written back), and exposes the concatenation as a chain of non-owning
// page.Buffer views sharing tupleSize.
type Table struct {
	pages []*page.Buffer
	data  [][]byte
}

// Load globs filePattern and maps every matching regular, non-empty file
// as one page.Buffer view of tupleSize-wide tuples.
func Load(filePattern string, tupleSize int) (*Table, error) {
	names, err := filepath.Glob(filePattern)
	if err != nil {
		return nil, fmt.Errorf("shm: glob %s: %w", filePattern, err)
	}
	t := &Table{}
	for _, name := range names {
		fi, err := os.Stat(name)
		if err != nil {
			return nil, fmt.Errorf("shm: stat %s: %w", name, err)
		}
		if fi.IsDir() || fi.Size() == 0 {
			continue
		}
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("shm: open %s: %w", name, err)
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_NORESERVE|unix.MAP_POPULATE)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
		}
		pg, err := page.NewView(data, tupleSize, len(data)-len(data)%tupleSize)
		if err != nil {
			return nil, fmt.Errorf("shm: %s: %w", name, err)
		}
		t.pages = append(t.pages, pg)
		t.data = append(t.data, data)
	}
	if len(t.pages) == 0 {
		return nil, fmt.Errorf("shm: glob %s matched no regular files", filePattern)
	}
	return t, nil
}

// Pages returns the chain of mapped pages, in the order Load discovered
// them.
func (t *Table) Pages() []*page.Buffer { return t.pages }

// Close unmaps every segment backing t.
func (t *Table) Close() error {
	for _, d := range t.data {
		if err := unix.Munmap(d); err != nil {
			return fmt.Errorf("shm: munmap: %w", err)
		}
	}
	return nil
}
