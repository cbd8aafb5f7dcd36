// Package servercmder provides the server command, which runs the HTTP
// service exposing add/build/reload/search/stats over the network.
//
// Startup/shutdown shape grounded on
// _examples/papercomputeco-tapes/cmd/tapes/serve/serve.go's ServeCommander:
// a goroutine running the listener, an error channel, and a signal.Notify
// select against SIGINT/SIGTERM for graceful shutdown.
package servercmder

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/httpapi"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/logging"
	"github.com/imsearch/imsearch/internal/metrics"
	"github.com/imsearch/imsearch/internal/search"
	"github.com/imsearch/imsearch/internal/worker"
)

type serverCommander struct {
	listen  string
	noMmap  bool
	hnsw    bool
	token   string
}

const serverLongDesc = `Run the HTTP service exposing add/build/reload/search/stats over the
network.

The service loads the last index a build produced (if any) at startup and
then serves requests against it until a /build or /reload call swaps in a
newer one. Writers (add, build, reload) are serialized behind a single
lock; searches run concurrently against whatever snapshot is current.`

const serverShortDesc = "Run the HTTP search service"

func NewServerCmd() *cobra.Command {
	cmder := &serverCommander{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: serverShortDesc,
		Long:  serverLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.listen, "listen", "", "Address to listen on (default from config, e.g. :8080)")
	cmd.Flags().BoolVar(&cmder.noMmap, "no-mmap", false, "Load an on-disk-mode index fully into memory instead of mmap")
	cmd.Flags().BoolVar(&cmder.hnsw, "hnsw", false, "Rejected with an error: HNSW coarse-quantizer conversion is unsupported")
	cmd.Flags().StringVar(&cmder.token, "token", "", "Bearer token required on every request except /docs (default from config)")

	return cmd
}

func (c *serverCommander) run(cmd *cobra.Command) error {
	if c.hnsw {
		// spec.md's design notes are explicit that the older --hnsw dynamic
		// IVF<->HNSW conversion was removed because both directions degrade
		// recall; this repo never implemented the conversion path to begin
		// with; accepting the flag but doing nothing would silently mislead
		// an operator who expects an HNSW quantizer to result, so it is a
		// hard error here instead of a no-op.
		return imsearch.NewError(imsearch.KindInput, "server.run", "--hnsw is not supported: HNSW/flat coarse-quantizer conversion is intentionally unimplemented", nil)
	}

	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	if c.listen != "" {
		bs.Config.Server.Listen = c.listen
	}
	if c.token != "" {
		bs.Config.Server.AuthToken = c.token
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	extractor := bs.NewExtractor()
	hasher, err := bs.NewHasher()
	if err != nil {
		return err
	}

	workers := bs.Config.Server.MaxWorkers
	pool := worker.New(workers)
	defer pool.Close()

	engine := search.New(cat)
	if err := c.reload(bs, engine); err != nil {
		var ierr *imsearch.Error
		if !imsearch.As(err, &ierr) || ierr.Kind != imsearch.KindNotFound {
			return err
		}
		bs.Log.LogReload(cmd.Context(), "", err)
		fmt.Fprintln(cmd.OutOrStdout(), "warning: no index found yet; searches will fail until build or reload runs")
	}

	var m *metrics.Metrics
	if bs.Config.Metrics.Enabled {
		m = metrics.New()
	}

	srv := httpapi.New(bs.Config, cat, engine, extractor, hasher, pool, m, bs.Log, bs.ResolvePath(bs.Config.Index.Dir))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Listen(); err != nil {
			errChan <- err
		}
	}()

	stopPush := make(chan struct{})
	defer close(stopPush)
	if m != nil && bs.Config.Metrics.PushGateway != "" {
		go pushLoop(m, bs.Config.Metrics.PushGateway, bs.Config.Metrics.PushInterval, bs.Log, stopPush)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imsearch server listening on %s\n", bs.Config.Server.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return imsearch.Wrap("server.run", err)
	case sig := <-sigChan:
		fmt.Fprintf(cmd.OutOrStdout(), "received %s, shutting down\n", sig)
		return srv.Shutdown()
	}
}

// reload loads the last build's index the same way bs.ReloadFromManifest
// does, except that --no-mmap forces an on-disk-mode index to be read
// fully into memory instead of mapped, trading startup latency and RSS
// for avoiding page faults on the search hot path (spec.md §6's server
// flag).
func (c *serverCommander) reload(bs *cmdutil.Bootstrap, engine *search.Engine) error {
	if !c.noMmap {
		return bs.ReloadFromManifest(engine)
	}

	dir := bs.ResolvePath(bs.Config.Index.Dir)
	manifest, err := ivf.LoadManifest(dir)
	if err != nil {
		return err
	}
	quantizer, err := ivf.LoadQuantizer(bs.QuantizerPath())
	if err != nil {
		return err
	}

	switch manifest.Mode {
	case ivf.ModeNone:
		segs := make([]*ivf.Segment, len(manifest.SegmentPaths))
		for i, p := range manifest.SegmentPaths {
			seg, err := ivf.ReadSegment(filepath.Join(dir, p))
			if err != nil {
				return err
			}
			segs[i] = seg
		}
		engine.ReloadSegments(quantizer, segs)
		return nil
	default: // ModeInMemory and ModeOnDisk both read fully into memory here
		seg, err := ivf.ReadSegment(filepath.Join(dir, manifest.IndexPath))
		if err != nil {
			return err
		}
		engine.ReloadInMemory(quantizer, seg)
		return nil
	}
}

// pushLoop periodically ships the server's live metrics to a Pushgateway in
// addition to the /metrics scrape endpoint httpapi already exposes, for
// deployments where the server itself isn't directly reachable by a
// Prometheus scraper (behind NAT, short-lived containers fronted by a
// gateway). interval defaults to 15s when unset or unparsable.
func pushLoop(m *metrics.Metrics, gatewayURL, interval string, log *logging.Logger, stop <-chan struct{}) {
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		d = 15 * time.Second
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Push(gatewayURL, "imsearch_server"); err != nil {
				log.Warn("pushing server metrics to pushgateway failed", "error", err)
			}
		}
	}
}
