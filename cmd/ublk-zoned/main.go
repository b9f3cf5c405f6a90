package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/cobra"

	ublk "github.com/ehrlich-b/go-ublk-zoned"
	"github.com/ehrlich-b/go-ublk-zoned/backend"
	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
)

type deviceFlags struct {
	size         sizeFlag
	zoneSize     sizeFlag
	zoneCapacity sizeFlag
	maxIOSize    sizeFlag
	bufferBudget sizeFlag
	conventional int
	maxOpen      uint32
	maxActive    uint32
	fill         int
	mmapBuffers  bool
}

func main() {
	logLevel := logLevelFlag{Level: logging.LevelInfo}
	logFormat := formatFlag("text")
	dev := deviceFlags{
		size:      sizeFlag(1 << 30),
		zoneSize:  sizeFlag(ublk.DefaultZoneSize),
		maxIOSize: sizeFlag(ublk.DefaultMaxIOSize),
	}

	argparser := &cobra.Command{
		Use:   "ublk-zoned {[flags]|SUBCOMMAND}",
		Short: "Inspect the zones of an in-memory zoned ublk device",

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	flags := argparser.PersistentFlags()
	flags.Var(&logLevel, "verbosity", "set the verbosity (error, warn, info, debug)")
	flags.Var(&logFormat, "log-format", "log output format (text or json)")
	flags.Var(&dev.size, "size", "device size (e.g. 256M, 1G)")
	flags.Var(&dev.zoneSize, "zone-size", "zone size, a power of two")
	flags.Var(&dev.zoneCapacity, "zone-capacity", "writable bytes per zone (default: zone size)")
	flags.Var(&dev.maxIOSize, "max-io-size", "largest report transfer")
	flags.Var(&dev.bufferBudget, "buffer-budget", "report buffer bytes outstanding at once (0: unlimited)")
	flags.IntVar(&dev.conventional, "conventional", 0, "number of leading conventional zones")
	flags.Uint32Var(&dev.maxOpen, "max-open", 0, "open zone limit (0: none)")
	flags.Uint32Var(&dev.maxActive, "max-active", 0, "active zone limit (0: none)")
	flags.BoolVar(&dev.mmapBuffers, "mmap-buffers", false, "map each report buffer anonymously instead of pooling")
	flags.IntVar(&dev.fill, "fill", 0, "write into the first `N` sequential zones before reporting")

	var (
		start  uint64
		count  uint32
		format = formatFlag("text")
	)
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Report zones, starting with the zone holding --start",
		Args:  cobra.NoArgs,
	}
	reportCmd.Flags().Uint64Var(&start, "start", 0, "first `sector` to report")
	reportCmd.Flags().Uint32Var(&count, "count", 0, "number of zones to report (0: to the end)")
	reportCmd.Flags().Var(&format, "format", "output format (text or json)")
	reportCmd.RunE = run(&logLevel, &logFormat, &dev, func(ctx context.Context, device *ublk.Device) error {
		n := count
		if n == 0 {
			n = device.NrZones()
		}
		var zones []ublk.Zone
		if _, err := device.ReportZones(ctx, start, n, func(z ublk.Zone, _ uint32) error {
			zones = append(zones, z)
			return nil
		}); err != nil {
			return err
		}
		return printZones(os.Stdout, string(format), zones)
	})
	argparser.AddCommand(reportCmd)

	infoFormat := formatFlag("text")
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device geometry and zone limits",
		Args:  cobra.NoArgs,
	}
	infoCmd.Flags().Var(&infoFormat, "format", "output format (text or json)")
	infoCmd.RunE = run(&logLevel, &logFormat, &dev, func(_ context.Context, device *ublk.Device) error {
		return printInfo(os.Stdout, string(infoFormat), device.Info())
	})
	argparser.AddCommand(infoCmd)

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// run wraps fn with logger setup, device creation and a signal-aware
// run group
func run(logLevel *logLevelFlag, logFormat *formatFlag, dev *deviceFlags, fn func(context.Context, *ublk.Device) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger := logging.NewLogger(&logging.Config{
			Level:  logLevel.Level,
			Format: string(*logFormat),
			Output: os.Stderr,
			Sync:   true,
		})
		logging.SetDefault(logger)

		grp := dgroup.NewGroup(cmd.Context(), dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			zb, err := newBackend(dev)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(zb.Close())
			}()

			params := ublk.DefaultParams(zb)
			params.MaxIOSize = int(dev.maxIOSize)
			params.MaxOpenZones = dev.maxOpen
			params.MaxActiveZones = dev.maxActive
			params.BufferBudget = int64(dev.bufferBudget)

			options := &ublk.Options{Logger: logger}
			if dev.mmapBuffers {
				options.Allocator = ublk.NewMmapAllocator()
			}
			device, err := ublk.New(params, options)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(device.Close())
			}()

			if err := fn(ctx, device); err != nil {
				return err
			}

			snap := device.MetricsSnapshot()
			logging.Debug("report metrics",
				"reports", snap.ReportOps,
				"zones", snap.ZonesReported,
				"chunks", snap.Chunks,
				"shrinks", snap.AllocShrinks,
				"avg_latency_ns", snap.AvgLatencyNs)
			return nil
		})
		return grp.Wait()
	}
}

// newBackend builds the memory backend and writes the --fill pattern
func newBackend(dev *deviceFlags) (*backend.Zoned, error) {
	zb, err := backend.NewZoned(backend.ZonedConfig{
		Size:           int64(dev.size),
		ZoneSize:       int64(dev.zoneSize),
		ZoneCapacity:   int64(dev.zoneCapacity),
		Conventional:   dev.conventional,
		MaxOpenZones:   dev.maxOpen,
		MaxActiveZones: dev.maxActive,
	})
	if err != nil {
		return nil, err
	}

	logging.Info("created zoned memory backend",
		"size", formatSize(int64(dev.size)),
		"zone_size", formatSize(int64(dev.zoneSize)),
		"zones", zb.NrZones())

	fill := dev.fill
	if dev.maxActive != 0 && fill > int(dev.maxActive) {
		logging.Warn("fill clipped to active zone limit", "fill", fill, "max_active", dev.maxActive)
		fill = int(dev.maxActive)
	}

	// Zone i gets i+1 sectors, so each filled zone reports a distinct write pointer
	zoneSectors := uint64(zb.ZoneSectors())
	writable := zoneSectors
	if dev.zoneCapacity != 0 {
		writable = uint64(dev.zoneCapacity) >> ublk.SectorShift
	}
	for i := 0; i < fill && dev.conventional+i < zb.NrZones(); i++ {
		sector := uint64(dev.conventional+i) * zoneSectors
		data := make([]byte, min(uint64(i+1), writable)<<ublk.SectorShift)
		if _, err := zb.AppendZone(data, sector); err != nil {
			zb.Close()
			return nil, fmt.Errorf("fill zone %d: %w", dev.conventional+i, err)
		}
		if dev.maxOpen != 0 {
			if err := zb.CloseZone(sector); err != nil {
				zb.Close()
				return nil, fmt.Errorf("fill zone %d: %w", dev.conventional+i, err)
			}
		}
	}
	return zb, nil
}

func printZones(w io.Writer, format string, zones []ublk.Zone) error {
	if format == "json" {
		type jsonZone struct {
			Start    uint64 `json:"start"`
			Len      uint64 `json:"len"`
			WP       uint64 `json:"wp"`
			Type     string `json:"type"`
			Cond     string `json:"cond"`
			Capacity uint64 `json:"capacity"`
		}
		out := make([]jsonZone, len(zones))
		for i, z := range zones {
			out[i] = jsonZone{z.Start, z.Len, z.WP, z.Type.String(), z.Cond.String(), z.Capacity}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tLEN\tWP\tCAPACITY\tTYPE\tCOND")
	for _, z := range zones {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\n", z.Start, z.Len, z.WP, z.Capacity, z.Type, z.Cond)
	}
	return tw.Flush()
}

func printInfo(w io.Writer, format string, info ublk.DeviceInfo) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Device:\t%d\n", info.ID)
	fmt.Fprintf(tw, "State:\t%s\n", info.State)
	fmt.Fprintf(tw, "Zoned:\t%t\n", info.Zoned)
	fmt.Fprintf(tw, "Size:\t%s (%d bytes)\n", formatSize(info.Size), info.Size)
	fmt.Fprintf(tw, "Zones:\t%d\n", info.NrZones)
	fmt.Fprintf(tw, "Zone size:\t%s (%d sectors)\n", formatSize(int64(info.ZoneSectors)<<ublk.SectorShift), info.ZoneSectors)
	fmt.Fprintf(tw, "Max open zones:\t%d\n", info.MaxOpenZones)
	fmt.Fprintf(tw, "Max active zones:\t%d\n", info.MaxActiveZones)
	return tw.Flush()
}
