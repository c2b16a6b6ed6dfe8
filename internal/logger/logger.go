package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "cookscan"

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
}

var (
	global    zerolog.Logger
	forwarder *axiomForwarder
)

// Init configures the global logger: rotated file output, console (pretty in
// dev), optional Axiom forwarding at info and above.
func Init(opts Options) error {
	var writers []io.Writer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		fw, err := newAxiomForwarder(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			// Axiom being down must never block local logging.
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			forwarder = fw
			writers = append(writers, fw)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().
		Timestamp().Str("service", serviceName).Logger()
	log.Logger = global
	return nil
}

// Close flushes the Axiom forwarder if one is active.
func Close() {
	if forwarder != nil {
		_ = forwarder.Shutdown()
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// WithJob returns a logger carrying the standard job fields.
func WithJob(jobID, cookbookID string) zerolog.Logger {
	return global.With().Str("job_id", jobID).Str("cookbook_id", cookbookID).Logger()
}

// axiomForwarder buffers zerolog JSON lines and ships them to Axiom in
// batches. Debug lines are dropped; when the buffer is full, lines are
// dropped rather than blocking the caller.
type axiomForwarder struct {
	client  *axiom.Client
	dataset string
	events  chan axiom.Event
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    <-chan struct{}
}

func newAxiomForwarder(token, orgID, dataset string, flushEvery time.Duration) (*axiomForwarder, error) {
	if dataset == "" {
		dataset = "dev_" + serviceName
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	fw := &axiomForwarder{
		client:  c,
		dataset: dataset,
		events:  make(chan axiom.Event, 1000),
		cancel:  cancel,
		done:    ctx.Done(),
	}
	fw.wg.Add(1)
	go fw.run(flushEvery)
	return fw, nil
}

func (f *axiomForwarder) Write(p []byte) (int, error) {
	var ev map[string]interface{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]interface{}{"message": string(p), "level": "info"}
	}
	if lvl, ok := ev["level"].(string); ok && lvl == "debug" {
		return len(p), nil
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	select {
	case f.events <- axiom.Event(ev):
	default:
	}
	return len(p), nil
}

func (f *axiomForwarder) run(flushEvery time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]axiom.Event, 0, 200)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, _ = f.client.IngestEvents(ctx, f.dataset, batch)
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case <-f.done:
			flush()
			return
		case <-ticker.C:
			flush()
		case ev := <-f.events:
			batch = append(batch, ev)
			if len(batch) >= 200 {
				flush()
			}
		}
	}
}

func (f *axiomForwarder) Shutdown() error {
	f.cancel()
	f.wg.Wait()
	return nil
}
