// Command tilecache inspects and maintains an on-disk tile cache.
//
// Usage:
//
//	tilecache [-config file] <command> [flags]
//
// Commands:
//
//	info    open the cache and print usage per storage class and plugin
//	toc     print the table of contents without opening the cache
//	clear   remove every entry and its backing files
//	purge   remove the entries of one plugin (-plugin id)
//	serve   keep the cache open, expose metrics and flush periodically
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/objectfs/tilecache/internal/cache"
	"github.com/objectfs/tilecache/internal/config"
	"github.com/objectfs/tilecache/internal/metrics"
	"github.com/objectfs/tilecache/pkg/utils"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tilecache:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tilecache", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: tilecache [-config file] info|toc|clear|purge|serve [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "info":
		return withCache(cfg, logger, nil, func(c *cache.Cache) error {
			printInfo(out, c)
			return nil
		})
	case "toc":
		return runTOC(cfg, out)
	case "clear":
		return withCache(cfg, logger, nil, func(c *cache.Cache) error {
			n := c.Len()
			c.Clear()
			fmt.Fprintf(out, "removed %d entries from %s\n", n, c.Directory())
			return nil
		})
	case "purge":
		return runPurge(cfg, logger, cmdArgs, out)
	case "serve":
		return runServe(cfg, logger, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withCache(cfg *config.Configuration, logger *utils.StructuredLogger, rec cache.MetricsRecorder, fn func(*cache.Cache) error) error {
	settings, err := cfg.CacheSettings()
	if err != nil {
		return err
	}
	opts := []cache.Option{cache.WithLogger(logger)}
	if rec != nil {
		opts = append(opts, cache.WithMetrics(rec))
	}

	c, err := cache.New(settings, opts...)
	if err != nil {
		return err
	}
	fnErr := fn(c)
	if err := c.Close(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func printInfo(out io.Writer, c *cache.Cache) {
	s := c.Stats()
	fmt.Fprintf(out, "directory:  %s\n", c.Directory())
	fmt.Fprintf(out, "entries:    %d\n", s.Entries)
	fmt.Fprintf(out, "tile size:  %s (%d tile files)\n", utils.FormatBytes(int64(s.TileSize)), s.TileFiles)
	if s.MaxPhysicalRAM > 0 {
		fmt.Fprintf(out, "RAM ceiling: %s\n", utils.FormatBytes(int64(s.MaxPhysicalRAM)))
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORAGE\tUSED\tLIMIT")
	for _, cs := range s.Classes {
		if cs.Class == cache.StorageNone {
			continue
		}
		limit := "unbounded"
		if cs.Max > 0 {
			limit = utils.FormatBytes(int64(cs.Max))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cs.Class, utils.FormatBytes(int64(cs.Used)), limit)
	}
	_ = tw.Flush()

	stats := c.MemoryStats()
	if len(stats) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tENTRIES\tRAM\tDISK\tGL")
	for _, id := range c.PluginIDs() {
		ps := stats[id]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", id, ps.Entries,
			utils.FormatBytes(int64(ps.RAMBytes)),
			utils.FormatBytes(int64(ps.DiskBytes)),
			utils.FormatBytes(int64(ps.GLTextureBytes)))
	}
	_ = tw.Flush()
}

func runTOC(cfg *config.Configuration, out io.Writer) error {
	settings, err := cfg.CacheSettings()
	if err != nil {
		return err
	}
	dir, err := cache.DirectoryFor(settings.DirectoryContaining, settings.Name)
	if err != nil {
		return err
	}
	doc, err := cache.ReadTOC(dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "version:    %d\n", doc.Version)
	fmt.Fprintf(out, "tile size:  %s\n", utils.FormatBytes(int64(doc.TileSize)))
	fmt.Fprintf(out, "records:    %d\n", len(doc.Entries))

	perFile := make(map[string]int)
	perPlugin := make(map[string]int)
	for _, rec := range doc.Entries {
		perFile[rec.File]++
		perPlugin[rec.PluginID]++
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nFILE\tTILES")
	for _, name := range sortedKeys(perFile) {
		fmt.Fprintf(tw, "%s\t%d\n", name, perFile[name])
	}
	fmt.Fprintln(tw, "\nPLUGIN\tTILES")
	for _, id := range sortedKeys(perPlugin) {
		fmt.Fprintf(tw, "%s\t%d\n", id, perPlugin[id])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runPurge(cfg *config.Configuration, logger *utils.StructuredLogger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	plugin := fs.String("plugin", "", "plugin identifier whose entries are removed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *plugin == "" {
		return fmt.Errorf("purge: -plugin is required")
	}

	return withCache(cfg, logger, nil, func(c *cache.Cache) error {
		before := c.MemoryStats()[*plugin].Entries
		c.RemoveAllEntriesForPlugin(*plugin)
		c.Drain()
		fmt.Fprintf(out, "removed %d entries of %s\n", before, *plugin)
		return nil
	})
}

func runServe(cfg *config.Configuration, logger *utils.StructuredLogger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	flushEvery := fs.Duration("flush-interval", time.Minute, "how often the table of contents is written; 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Monitoring.MetricsEnabled
	mcfg.Port = cfg.Global.MetricsPort
	mcfg.Namespace = cfg.Monitoring.MetricsNamespace
	collector, err := metrics.NewCollector(mcfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(shutdownCtx)
	}()

	return withCache(cfg, logger, collector, func(c *cache.Cache) error {
		logger.Info("Serving tile cache", map[string]interface{}{
			"directory":      c.Directory(),
			"flush_interval": flushEvery.String(),
		})

		var tick <-chan time.Time
		if *flushEvery > 0 {
			ticker := time.NewTicker(*flushEvery)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				logger.Info("Shutting down", nil)
				return nil
			case <-tick:
				if err := c.Flush(); err != nil {
					logger.Warn("Periodic flush failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	})
}
