package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocol/core/buffer"
	"github.com/sushant-115/gojocol/core/buffer/file_worker"
	"github.com/sushant-115/gojocol/core/buffer/manifest"
	"github.com/sushant-115/gojocol/pkg/telemetry"
)

const columnWidth = 8

// openManager opens the manifest and a manager recording into it. The
// returned closer shuts both down in order.
func (e *env) openManager(opts ...buffer.Option) (*buffer.BufferManager, func() error, error) {
	bc, err := e.cfg.Buffer.ToBufferConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := manifest.Open(e.cfg.Buffer.ManifestDir, false, e.logger)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]buffer.Option{buffer.WithLogger(e.logger), buffer.WithManifest(store)}, opts...)
	m, err := buffer.NewBufferManager(bc, nil, opts...)
	if err != nil {
		return nil, nil, multierr.Append(err, store.Close())
	}
	closeAll := func() error {
		return multierr.Append(m.Close(), store.Close())
	}
	return m, closeAll, nil
}

type workloadResult struct {
	gets, oom atomic.Int64
}

func runCommand(c *cli.Context) (err error) {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	objects := c.Int("objects")
	workers := c.Int("workers")
	rounds := c.Int("rounds")
	if objects <= 0 || workers <= 0 || rounds <= 0 {
		return fmt.Errorf("objects, workers and rounds must be greater than 0")
	}
	objSize, err := humanize.ParseBytes(c.String("object-size"))
	if err != nil {
		return fmt.Errorf("invalid object-size: %w", err)
	}
	rows := int(objSize) / columnWidth
	if rows == 0 {
		return fmt.Errorf("object-size must be at least %d bytes", columnWidth)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(e.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, shutdownTelemetry(context.Background())) }()

	m, closeAll, err := e.openManager(buffer.WithMeter(tel.Meter))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeAll()) }()

	dirs := m.Dirs()
	ids := make([]buffer.ObjectID, objects)
	for i := range ids {
		ids[i] = buffer.ObjectID(fmt.Sprintf("col-%04d", i))
		w, err := file_worker.NewColumnWorker(dirs, "bench", string(ids[i]), columnWidth, rows)
		if err != nil {
			return err
		}
		h, err := m.Allocate(ids[i], w)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", ids[i], err)
		}
		if err := h.Release(); err != nil {
			return err
		}
	}
	e.logger.Info("Workload objects allocated",
		zap.Int("objects", objects),
		zap.String("objectSize", humanize.IBytes(objSize)),
		zap.String("memoryLimit", humanize.IBytes(uint64(m.MemoryLimit()))))

	var (
		res   workloadResult
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	flushEvery := c.Int("flush-every")
	seed := c.Uint64("seed")
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, uint64(w)))
			for r := 1; r <= rounds && ctx.Err() == nil; r++ {
				if err := workloadRound(ctx, tel, m, ids, rng, rows, &res); err != nil {
					errMu.Lock()
					errs = multierr.Append(errs, err)
					errMu.Unlock()
					return
				}
				if flushEvery > 0 && r%flushEvery == 0 {
					if err := m.FlushAll(ctx); err != nil && ctx.Err() == nil {
						e.logger.Warn("Checkpoint flush failed", zap.Error(err))
					}
				}
			}
		}(w)
	}
	wg.Wait()
	if errs != nil {
		return errs
	}
	if err := m.FlushAll(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	elapsed := time.Since(start)
	st := m.Stats()
	out := c.App.Writer
	fmt.Fprintf(out, "rounds:      %s in %s\n", humanize.Comma(res.gets.Load()), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "rejected:    %s\n", humanize.Comma(res.oom.Load()))
	fmt.Fprintf(out, "memory:      %s / %s\n", humanize.IBytes(uint64(st.MemoryUsed)), humanize.IBytes(uint64(st.MemoryLimit)))
	fmt.Fprintf(out, "objects:     %d (%d loaded, %d spilled)\n", st.Objects, st.Loaded, st.Spilled)
	return nil
}

// workloadRound pins one object, stamps a row and releases it dirty.
// ErrOutOfMemory is counted and tolerated.
func workloadRound(ctx context.Context, tel *telemetry.Telemetry, m *buffer.BufferManager, ids []buffer.ObjectID, rng *rand.Rand, rows int, res *workloadResult) error {
	id := ids[rng.IntN(len(ids))]
	_, span := tel.Tracer.Start(ctx, "bufferctl.round")
	span.SetAttributes(attribute.String("object.id", string(id)))
	defer span.End()

	h, err := m.Get(id)
	if errors.Is(err, buffer.ErrOutOfMemory) {
		res.oom.Add(1)
		span.SetAttributes(attribute.Bool("rejected", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	res.gets.Add(1)
	chunk, ok := h.Payload().(*file_worker.ColumnChunk)
	if !ok {
		_ = h.Release()
		return fmt.Errorf("object %s: unexpected payload %T", id, h.Payload())
	}
	var v [columnWidth]byte
	binary.LittleEndian.PutUint64(v[:], rng.Uint64())
	if err := chunk.SetValue(rng.IntN(rows), v[:]); err != nil {
		_ = h.Release()
		return err
	}
	h.MarkDirty()
	return h.Release()
}

func statCommand(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	store, err := manifest.Open(e.cfg.Buffer.ManifestDir, false, e.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tKIND\tTIER\tSIZE\tMODIFIED\tLOCATION")
	var total uint64
	for _, r := range recs {
		total += uint64(r.Size)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ObjectID, r.Kind, r.CurrentTier, humanize.IBytes(uint64(r.Size)),
			humanize.Time(r.LastModifiedTime), r.LocationPointer)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d objects, %s\n", len(recs), humanize.IBytes(total))
	return nil
}

func sweepCommand(c *cli.Context) (err error) {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	m, closeAll, err := e.openManager()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeAll()) }()

	restored, err := m.Restore(buffer.DefaultWorkerFactory(m.Dirs()))
	if err != nil {
		e.logger.Warn("Some manifest records could not be restored", zap.Error(err))
	}
	removed, err := m.SweepSpillDir()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored %d objects, removed %d orphaned spill files\n", restored, removed)
	return nil
}
