// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	runtimepprof "runtime/pprof"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/flamelet/flamelet/pkg/agent"
	"github.com/flamelet/flamelet/pkg/buildinfo"
	"github.com/flamelet/flamelet/pkg/byteorder"
	"github.com/flamelet/flamelet/pkg/cgroup"
	"github.com/flamelet/flamelet/pkg/config"
	"github.com/flamelet/flamelet/pkg/convert"
	"github.com/flamelet/flamelet/pkg/flamegraph"
	"github.com/flamelet/flamelet/pkg/fold"
	"github.com/flamelet/flamelet/pkg/kernel"
	"github.com/flamelet/flamelet/pkg/ksym"
	"github.com/flamelet/flamelet/pkg/logger"
	"github.com/flamelet/flamelet/pkg/objectfile"
	"github.com/flamelet/flamelet/pkg/perf"
	"github.com/flamelet/flamelet/pkg/process"
	"github.com/flamelet/flamelet/pkg/profiler/cpu"
	"github.com/flamelet/flamelet/pkg/symbol"
	"github.com/flamelet/flamelet/pkg/template"
)

const (
	// 19Hz is a prime, which avoids lockstep with periodic work on the
	// machine. 100Hz would sample every 10ms and can alias with user code
	// that runs on the same period, showing it on-CPU all the time.
	defaultCPUSamplingFrequency = 19
	// Sampling much faster than this measurably slows the machine down.
	maxAdvisedCPUSamplingFrequency = 150

	// Enough to lock the stack trace and count maps. Determined with
	// `bpftool map`.
	defaultMemlockRlimit = 64 * 1024 * 1024
)

type flags struct {
	LogLevel  string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`

	HTTPAddress string `kong:"help='Address to bind HTTP server to.',default=':7071'"`
	ConfigPath  string `kong:"help='Path to config file.',default=''"`

	BPFObjectPath string `kong:"help='Path to the compiled BPF object.',default='/usr/lib/flamelet/cpu.bpf.o'"`
	MemlockRlimit uint64 `kong:"help='Memlock rlimit in bytes, locked for eBPF maps. 0 means no limit.',default='${default_memlock_rlimit}'"`

	Frequency    uint64        `kong:"help='Sampling frequency in Hz.',default='${default_cpu_sampling_frequency}'"`
	Capture      string        `kong:"enum='both,user,kernel',help='Which stack sides the probe captures.',default='both'"`
	Mode         string        `kong:"enum='continuous,snapshot',help='Collection mode.',default='continuous'"`
	Duration     time.Duration `kong:"help='Bound for a snapshot run. Ignored in continuous mode.',default='10s'"`
	PollInterval time.Duration `kong:"help='Interval between drains in continuous mode.',default='10s'"`

	TargetPID        int    `kong:"help='Only sample this process. 0 samples everything.',default='0'"`
	TargetCgroupPath string `kong:"help='Only sample this cgroup, given as a cgroupfs path.',default=''"`

	CollapsedPath string `kong:"help='File to write the final profile to in collapsed format. A .gz suffix enables compression.',default=''"`
	PprofPath     string `kong:"help='File to write the final profile to in pprof format. A .gz suffix enables compression.',default=''"`

	DebuginfoDirectories []string `kong:"help='Ordered list of local directories to search for debuginfo files.',default='/usr/lib/debug'"`

	BatchBufferSize    int `kong:"help='Capacity of the hand-off channel between collector and processor.',default='64'"`
	ObjectFilePoolSize int `kong:"help='Maximum number of object files kept open.',default='128'"`
	SymbolCacheSize    int `kong:"help='Maximum number of per-module symbol sources kept cached.',default='256'"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Vars{
		"default_cpu_sampling_frequency": strconv.Itoa(defaultCPUSamplingFrequency),
		"default_memlock_rlimit":         strconv.Itoa(defaultMemlockRlimit),
	})

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "flamelet")

	if byteorder.GetHostByteOrder() == binary.BigEndian {
		level.Error(logger).Log("msg", "big endian CPUs are not supported")
		os.Exit(1)
	}

	if flags.Frequency == 0 {
		level.Error(logger).Log("msg", "sampling frequency must be greater than zero")
		os.Exit(1)
	}
	if flags.Frequency > maxAdvisedCPUSamplingFrequency {
		level.Warn(logger).Log("msg", "sampling frequency is high, it can impact overall machine performance", "max", maxAdvisedCPUSamplingFrequency)
	}

	intro := figure.NewColorFigure("Flamelet", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	startedAt := time.Now()

	var (
		cfg              = &config.Config{}
		configFileExists bool
	)
	if flags.ConfigPath != "" {
		configFileExists = true

		cfgFile, err := config.LoadFile(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfgFile
	}

	if err := kernel.CheckReleaseSupported(); err != nil {
		return err
	}
	if err := kernel.CheckBPFEnabled(); err != nil {
		// The config can legitimately be absent; the probe load is the
		// definitive test.
		level.Warn(logger).Log("msg", "could not verify eBPF support in the kernel config", "err", err)
	}

	release, err := kernel.Release()
	if err != nil {
		return err
	}

	buildInfo := buildinfo.Fetch()
	level.Info(logger).Log("msg", "starting flamelet", "version", buildInfo.String(), "kernel", release)

	var targetCgroupID uint64
	if flags.TargetCgroupPath != "" {
		targetCgroupID, err = cgroup.ID(flags.TargetCgroupPath)
		if err != nil {
			return fmt.Errorf("resolving target cgroup: %w", err)
		}
		level.Info(logger).Log("msg", "resolved target cgroup", "path", flags.TargetCgroupPath, "id", targetCgroupID)
	}

	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}

	pool := objectfile.NewPool(logger, reg, flags.ObjectFilePoolSize)
	defer pool.Close()

	mapManager := process.NewMapManager(reg, pfs, pool)
	snapshots := process.NewSnapshotCache(logger, reg, mapManager, 1024, flags.PollInterval)
	defer snapshots.Close()

	perfMaps, err := perf.NewPerfMapCache(logger, reg, flags.PollInterval)
	if err != nil {
		return fmt.Errorf("failed to initialize perf map cache: %w", err)
	}

	debugDirs := append(append([]string{}, flags.DebuginfoDirectories...), cfg.DebuginfoDirs...)

	symbolizer := symbol.NewSymbolizer(
		logger,
		reg,
		ksym.NewKsym(logger, reg),
		perfMaps,
		snapshots,
		pool,
		debugDirs,
		flags.SymbolCacheSize,
	)
	defer symbolizer.Close()

	captureUser := flags.Capture != string(cpu.CaptureKernel)
	captureKernel := flags.Capture != string(cpu.CaptureUser)

	store := agent.NewSnapshotStore()
	processor := agent.NewProcessor(
		logger,
		reg,
		symbolizer,
		store,
		fold.WithCaptureExpectation(captureUser, captureKernel),
	)

	applyFilter := func(cfg *config.Config) error {
		filter, err := cfg.CommFilter()
		if err != nil {
			return err
		}
		processor.SetCommFilter(filter)
		return nil
	}
	if err := applyFilter(cfg); err != nil {
		return err
	}

	profiler := cpu.NewCPUProfiler(logger, reg, cpu.Config{
		BPFObjectPath:     flags.BPFObjectPath,
		SamplingFrequency: flags.Frequency,
		CaptureMode:       cpu.CaptureMode(flags.Capture),
		Mode:              cpu.CollectionMode(flags.Mode),
		Duration:          flags.Duration,
		PollInterval:      flags.PollInterval,
		TargetPID:         flags.TargetPID,
		TargetCgroupID:    targetCgroupID,
		BatchBufferSize:   flags.BatchBufferSize,
		MemlockRlimit:     flags.MemlockRlimit,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/collapsed", func(w http.ResponseWriter, r *http.Request) {
		snapshot, _, ok := store.Latest()
		if !ok {
			http.Error(w, "no profile collected yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := snapshot.WriteUncompressed(w); err != nil {
			level.Error(logger).Log("msg", "failed to write collapsed profile", "err", err)
		}
	})

	mux.HandleFunc("/flamegraph", func(w http.ResponseWriter, r *http.Request) {
		snapshot, publishedAt, ok := store.Latest()
		if !ok {
			http.Error(w, "no profile collected yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		title := fmt.Sprintf("flamelet CPU profile, %s", publishedAt.Format(time.RFC3339))
		if err := flamegraph.Render(w, title, snapshot); err != nil {
			level.Error(logger).Log("msg", "failed to render flame graph", "err", err)
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthy" || r.URL.Path == "/ready" || r.URL.Path == "/favicon.ico" {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		page := template.StatusPage{
			Version:        buildInfo.String(),
			Kernel:         release,
			Uptime:         time.Since(startedAt).Round(time.Second),
			CollectionMode: flags.Mode,
			CaptureMode:    flags.Capture,
			FrequencyHz:    flags.Frequency,
			PollInterval:   flags.PollInterval,
		}
		if snapshot, publishedAt, ok := store.Latest(); ok {
			page.SnapshotAvailable = true
			page.SnapshotAge = time.Since(publishedAt).Round(10 * time.Millisecond)
			page.SnapshotStacks = snapshot.Len()
			page.SnapshotWeight = snapshot.Total()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := template.Render(w, page); err != nil {
			level.Error(logger).Log("msg", "failed to render status page", "err", err)
		}
	})

	var (
		ctx = context.Background()
		g   okrun.Group
	)

	// Profiler actor. Its Run closes the batch channel after the final
	// drain, which in turn terminates the processor actor.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: cpu profiler")
			defer level.Debug(logger).Log("msg", "stopped: cpu profiler")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "cpu_profiler"), func(ctx context.Context) {
				err = profiler.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Processor actor. Exits when the batch channel closes, after the
	// in-flight batch is folded.
	g.Add(func() error {
		level.Debug(logger).Log("msg", "starting: processor")
		defer level.Debug(logger).Log("msg", "stopped: processor")

		var err error
		runtimepprof.Do(ctx, runtimepprof.Labels("component", "processor"), func(context.Context) {
			err = processor.Run(profiler.Batches())
		})
		return err
	}, func(error) {
		// Termination rides on the profiler closing the batch channel.
	})

	// HTTP server actor.
	{
		srv := &http.Server{
			Addr:         flags.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "addr", flags.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(context.Context) {
				err = srv.ListenAndServe()
			})
			return err
		}, func(error) {
			srv.Close()
		})
	}

	if configFileExists {
		ctx, cancel := context.WithCancel(ctx)
		reloaders := []config.ComponentReloader{
			{
				Name:     "comm_filter",
				Reloader: applyFilter,
			},
		}

		cfgReloader, err := config.NewConfigReloader(logger, reg, flags.ConfigPath, reloaders)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to instantiate config file reloader: %w", err)
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: config file reloader")
			defer level.Debug(logger).Log("msg", "stopped: config file reloader")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(ctx context.Context) {
				err = cfgReloader.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))

	runErr := g.Run()

	// The final aggregation is complete once the run group has unwound:
	// the profiler has drained one last time and the processor has folded
	// every batch.
	if err := writeOutputs(logger, processor.Profile(), flags); err != nil {
		return err
	}

	var sigErr okrun.SignalError
	if errors.As(runErr, &sigErr) {
		level.Info(logger).Log("msg", "terminating", "signal", sigErr.Signal)
		return nil
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func writeOutputs(logger log.Logger, final *fold.Profile, flags flags) error {
	if final.Total() == 0 {
		if flags.CollapsedPath != "" || flags.PprofPath != "" {
			level.Warn(logger).Log("msg", "no samples collected, skipping output files")
		}
		return nil
	}

	if flags.CollapsedPath != "" {
		if err := convert.WriteFile(flags.CollapsedPath, final); err != nil {
			return fmt.Errorf("writing collapsed profile: %w", err)
		}
		level.Info(logger).Log("msg", "wrote collapsed profile", "path", flags.CollapsedPath)
	}

	if flags.PprofPath != "" {
		periodNS := int64(time.Second) / int64(flags.Frequency)
		prof, err := convert.FoldedToPprof(final, time.Now(), periodNS)
		if err != nil {
			return fmt.Errorf("converting to pprof: %w", err)
		}
		if err := convert.WriteFile(flags.PprofPath, convert.PprofWriter{Profile: prof}); err != nil {
			return fmt.Errorf("writing pprof profile: %w", err)
		}
		level.Info(logger).Log("msg", "wrote pprof profile", "path", flags.PprofPath)
	}

	return nil
}
