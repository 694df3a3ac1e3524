// Package pipeline validates, de-duplicates and batches finished video
// records into report files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for pending writes.
var drainTimeout = 30 * time.Second

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(videos []*models.Video) error
	Close() error
	Validate() error
}

// Pipeline coordinates validation, de-duplication, and output writing.
// Duplicates are detected by video id for the lifetime of the pipeline.
type Pipeline struct {
	writer    OutputWriter
	videoCh   chan *models.Video
	batchSize int

	wg sync.WaitGroup

	recMu sync.Mutex // guards seen/stats
	seen  map[string]struct{}
	stats Stats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg. Cancelling ctx stops
// accepting new records.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	p := &Pipeline{
		writer:    writer,
		videoCh:   make(chan *models.Video, bufferSize),
		batchSize: batchSize,
		seen:      make(map[string]struct{}),
		shutdown:  make(chan struct{}),
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.signalShutdown()
			case <-p.shutdown:
			}
		}()
	}
	return p
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues videos for downstream processing.
func (p *Pipeline) Process(videos []*models.Video) error {
	if len(videos) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, video := range videos {
		if video == nil {
			continue
		}
		if err := p.enqueue(video); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.videoCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return p.Err()
	case <-timer.C:
		return ErrPipelineCloseTimeout
	}
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	return p.stats
}

// LogProgress logs the counters every interval until the pipeline shuts
// down.
func (p *Pipeline) LogProgress(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				st := p.Stats()
				slog.Info("report progress",
					slog.Int64("reported", st.Reported),
					slog.Int64("downloaded", st.Downloaded),
					slog.Int64("failed", st.Failed),
					slog.Int64("dropped", st.Invalid+st.Duplicates),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.Video, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for video := range p.videoCh {
		prepared := p.prepare(video)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

// prepare returns a normalized copy of video, or nil when it is invalid or
// already reported.
func (p *Pipeline) prepare(video *models.Video) *models.Video {
	p.recMu.Lock()
	defer p.recMu.Unlock()

	if err := parser.ValidateVideo(video); err != nil {
		p.stats.Invalid++
		slog.Debug("report dropped video", slog.Any("error", err))
		return nil
	}
	if _, ok := p.seen[video.ID]; ok {
		p.stats.Duplicates++
		return nil
	}
	p.seen[video.ID] = struct{}{}

	p.stats.Reported++
	switch video.Status {
	case models.StatusDone:
		p.stats.Downloaded++
	case models.StatusSkipped:
		p.stats.Skipped++
	case models.StatusFailed:
		p.stats.Failed++
	}

	out := *video
	out.Caption = parser.NormalizeCaption(out.Caption)
	return &out
}

func (p *Pipeline) enqueue(video *models.Video) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	default:
	}

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.videoCh <- video:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.videoCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// Stats counts what happened to the records handed to Process.
type Stats struct {
	Reported   int64 `json:"reported"`
	Downloaded int64 `json:"downloaded"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Invalid    int64 `json:"invalid"`
	Duplicates int64 `json:"duplicates"`
}
