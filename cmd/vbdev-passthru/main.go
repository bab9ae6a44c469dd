package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/simplyblock-io/vbdev-passthru/internal/config"
	"github.com/simplyblock-io/vbdev-passthru/internal/control"
	"github.com/simplyblock-io/vbdev-passthru/internal/logging"
	"github.com/simplyblock-io/vbdev-passthru/internal/memdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/version"
	"github.com/simplyblock-io/vbdev-passthru/internal/xcmd"
)

var cmd struct {
	ConfigPath string
	ShowVer    bool
	CPU        int
}

var rootCmd = &cobra.Command{
	Use:   "vbdev-passthru",
	Short: "Virtual block-device passthrough daemon with out-of-band metadata emulation",
	Run: func(_ *cobra.Command, _ []string) {
		if cmd.ShowVer {
			fmt.Println(version.Version())
			return
		}
		if err := run(cmd.ConfigPath); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().BoolVar(&cmd.ShowVer, "version", false, "Print the version and exit")
	rootCmd.Flags().IntVar(&cmd.CPU, "cpu", -1, "Pin the daemon's main thread to this CPU core (-1 disables pinning)")
}

// pinToCPU locks the calling goroutine to its OS thread and restricts that
// thread to run on cpu only, the same affinity-pinning idiom the dataplane
// uses for its reactor threads.
func pinToCPU(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&logging.Config{Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	log.Infow("starting vbdev-passthru", "version", version.Version())

	if cmd.CPU >= 0 {
		if err := pinToCPU(cmd.CPU); err != nil {
			log.Warnw("failed to pin main thread to CPU", "cpu", cmd.CPU, "error", err)
		} else {
			log.Infow("pinned main thread to CPU", "cpu", cmd.CPU)
		}
	}

	// No real host framework is wired up yet; the demo base device below
	// lets every configured virtual device be exercised end to end
	// in-process. A real deployment replaces locator/registrar with the
	// host framework's bdev catalog.
	locator := memdev.NewLocator()
	registrar := memdev.NewRegistrar()
	base := memdev.New(512, 1_000_000, 0, uuid.New())
	locator.Add("demo0", base)

	coord := control.New(registrar, locator, log)
	defer coord.Finish()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	for _, dev := range cfg.Devices {
		dev := dev
		wg.Go(func() error {
			if err := coord.CreateDisk(ctx, dev); err != nil {
				return fmt.Errorf("create disk %q: %w", dev.VbdevName, err)
			}
			log.Infow("virtual device created", "vbdev_name", dev.VbdevName)
			return nil
		})
	}

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal, shutting down", "error", err)
		return err
	})

	return wg.Wait()
}
