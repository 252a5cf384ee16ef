// Package kernel is the composition root: it boots the managers in
// dependency order, registers the built-in providers, spawns the initial
// task, and owns the wait-for-event loop.
package kernel

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kmemory"
	"github.com/karnal-os/karnal64/internal/kmessaging"
	"github.com/karnal-os/karnal64/internal/kresource"
	"github.com/karnal-os/karnal64/internal/ksync"
	"github.com/karnal-os/karnal64/internal/ktask"
	"github.com/karnal-os/karnal64/internal/providers"
	"github.com/karnal-os/karnal64/internal/providers/console"
	"github.com/karnal-os/karnal64/internal/providers/initrd"
	"github.com/karnal-os/karnal64/internal/shared/id"
	"github.com/karnal-os/karnal64/internal/syscalls"
)

// Version components reported through the info syscall as
// major<<32 | minor<<16 | patch.
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// BootHooks is the contract with the hardware layer. Boot invokes each hook
// exactly once, in this order: HardwareInit, InterruptInit, TimerInit, then
// after the memory manager is up, ConsoleReady.
type BootHooks interface {
	HardwareInit() error
	InterruptInit() error
	TimerInit() error
	// ConsoleReady hands over the sink the console provider streams to.
	ConsoleReady() (io.Writer, error)
}

// NopHooks is the default hardware layer: no-op init, stdout console.
type NopHooks struct{}

func (NopHooks) HardwareInit() error  { return nil }
func (NopHooks) InterruptInit() error { return nil }
func (NopHooks) TimerInit() error     { return nil }

func (NopHooks) ConsoleReady() (io.Writer, error) { return os.Stdout, nil }

// Options configures Boot. Zero values fall back to environment config, the
// default manifest, nop hardware hooks, and the built-in init program.
type Options struct {
	Config   *config.Config
	Manifest *config.Manifest
	Hooks    BootHooks
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics

	// Programs joins the program table before the initial spawn, letting
	// embedders ship their own init.
	Programs map[string]ktask.EntryFunc
}

// Kernel is a fully booted kernel core.
type Kernel struct {
	BootID string

	Memory    *kmemory.Manager
	Resources *kresource.Manager
	Locks     *ksync.Manager
	Mail      *kmessaging.Manager
	Tasks     *ktask.Manager
	Syscalls  *syscalls.Dispatcher
	Providers *providers.Set

	cfg      *config.Config
	manifest *config.Manifest
	log      *logging.Logger
	metrics  *monitoring.Metrics
	started  time.Time
	initTask id.TaskID

	stop     chan struct{}
	stopOnce sync.Once
}

// Boot brings the kernel up: hardware hooks, managers in dependency order,
// built-in providers, the initial task, in that sequence. The returned kernel
// is live; Run enters the wait-for-event loop.
func Boot(opts Options) (*Kernel, error) {
	if opts.Config == nil {
		opts.Config = config.LoadOrDefault()
	}
	if opts.Manifest == nil {
		opts.Manifest = config.DefaultManifest()
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.Logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       opts.Config.Logging.Level,
			Development: opts.Config.Logging.Development,
		})
		if err != nil {
			logger = logging.NewDefault()
		}
		opts.Logger = logger
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}

	k := &Kernel{
		BootID:   id.NewBootID(),
		cfg:      opts.Config,
		manifest: opts.Manifest,
		log:      opts.Logger.Subsystem("kernel"),
		metrics:  opts.Metrics,
		started:  time.Now(),
		stop:     make(chan struct{}),
	}

	// Hardware layer first; nothing above it works without these.
	if err := opts.Hooks.HardwareInit(); err != nil {
		return nil, kerror.Wrap(kerror.Internal, "boot: hardware init: %v", err)
	}
	if err := opts.Hooks.InterruptInit(); err != nil {
		return nil, kerror.Wrap(kerror.Internal, "boot: interrupt init: %v", err)
	}
	if err := opts.Hooks.TimerInit(); err != nil {
		return nil, kerror.Wrap(kerror.Internal, "boot: timer init: %v", err)
	}

	k.Memory = kmemory.NewManager(opts.Config.Memory.TotalFrames, opts.Logger, opts.Metrics)

	consoleOut, err := opts.Hooks.ConsoleReady()
	if err != nil {
		return nil, kerror.Wrap(kerror.Internal, "boot: console: %v", err)
	}

	// Kernel core. One handle counter across locks and resources keeps
	// handle ids unique among all live handles.
	handleIDs := &id.Counter{}
	k.Resources = kresource.NewManager(handleIDs, opts.Logger, opts.Metrics)
	k.Locks = ksync.NewManager(handleIDs, opts.Logger)
	k.Mail = kmessaging.NewManager(opts.Config.Messaging.MailboxCapacity, opts.Logger, opts.Metrics)
	k.Tasks = ktask.NewManager(ktask.Deps{
		Memory:    k.Memory,
		Resources: k.Resources,
		Handles:   k.Resources,
		Locks:     k.Locks,
		Mail:      k.Mail,
	}, opts.Logger, opts.Metrics)
	k.Locks.SetHooks(k.Tasks)
	k.Syscalls = syscalls.NewDispatcher(syscalls.Deps{
		Tasks:     k.Tasks,
		Memory:    k.Memory,
		Resources: k.Resources,
		Locks:     k.Locks,
		Mail:      k.Mail,
		Info:      k,
	}, opts.Logger, opts.Metrics)

	// Program table: embedder programs first, then the built-in init if
	// nothing claimed the name.
	for name, entry := range opts.Programs {
		if _, err := k.Tasks.RegisterProgram(name, entry); err != nil {
			return nil, err
		}
	}
	initName := opts.Manifest.InitTask.Program
	if _, ok := opts.Programs[initName]; !ok {
		if _, err := k.Tasks.RegisterProgram(initName, k.defaultInit); err != nil {
			return nil, err
		}
	}

	// Built-in providers per manifest, with a code image for every known
	// program.
	images := make([]initrd.Image, 0, len(opts.Programs)+1)
	seen := map[string]bool{}
	for name := range opts.Programs {
		images = append(images, initrd.BootImage(name))
		seen[name] = true
	}
	if !seen[initName] {
		images = append(images, initrd.BootImage(initName))
	}
	k.Providers, err = providers.Seed(k.Resources, opts.Manifest.Providers, providers.Options{
		ConsoleOut: consoleOut,
		Images:     images,
	})
	if err != nil {
		return nil, err
	}

	// Initial task, resolved through the capability layer like any other
	// spawn.
	code, err := k.Resources.Acquire(0, initrd.ImagePrefix+initName, kresource.ModeRead)
	if err != nil {
		return nil, kerror.Wrap(kerror.NotFound, "boot: init image %q: %v", initName, err)
	}
	k.initTask, err = k.Tasks.Spawn(0, code, strings.Fields(opts.Manifest.InitTask.Args))
	// Spawn has read the image; the boot handle is done either way.
	_ = k.Resources.Release(0, code)
	if err != nil {
		return nil, err
	}

	k.log.Info("kernel booted",
		zap.String("boot_id", k.BootID),
		zap.Uint64("init_task", uint64(k.initTask)),
		zap.Int("frames", opts.Config.Memory.TotalFrames),
		zap.Strings("providers", opts.Manifest.Providers),
	)
	return k, nil
}

// defaultInit is the fallback initial program: it writes the boot banner to
// the console through the syscall boundary and exits.
func (k *Kernel) defaultInit(ctx *ktask.Context, arg uint64) {
	banner := "karnal64 up\n"

	buf := k.Syscalls.Call(ctx, syscalls.SysMemoryAllocate, kmemory.PageSize, 0, 0, 0, 0)
	if buf < 0 {
		return
	}
	addr := uint64(buf)

	space, err := k.Tasks.Space(ctx.Task)
	if err != nil {
		return
	}
	rid := console.ResourceID
	view, err := space.Resolve(addr, uint64(len(rid)+len(banner)), kmemory.FlagWrite)
	if err != nil {
		return
	}
	view.CopyOut(append([]byte(rid), banner...))

	h := k.Syscalls.Call(ctx, syscalls.SysResourceAcquire, addr, uint64(len(rid)), uint64(kresource.ModeWrite), 0, 0)
	if h < 0 {
		return
	}
	k.Syscalls.Call(ctx, syscalls.SysResourceWrite, uint64(h), addr+uint64(len(rid)), uint64(len(banner)), 0, 0)
	k.Syscalls.Call(ctx, syscalls.SysResourceRelease, uint64(h), 0, 0, 0, 0)
}

// InfoValue answers kernel introspection requests from the info syscall.
func (k *Kernel) InfoValue(request uint32) (uint64, error) {
	switch request {
	case syscalls.InfoVersion:
		return VersionMajor<<32 | VersionMinor<<16 | VersionPatch, nil
	case syscalls.InfoTaskCount:
		tasks, _ := k.Tasks.Counts()
		return uint64(tasks), nil
	case syscalls.InfoThreadCount:
		_, threads := k.Tasks.Counts()
		return uint64(threads), nil
	case syscalls.InfoFramesFree:
		free, _ := k.Memory.FrameStats()
		return uint64(free), nil
	case syscalls.InfoFramesTotal:
		_, total := k.Memory.FrameStats()
		return uint64(total), nil
	case syscalls.InfoUptimeMillis:
		return uint64(time.Since(k.started).Milliseconds()), nil
	}
	return 0, kerror.Wrap(kerror.InvalidArgument, "kernel info request %d", request)
}

// NowNanos is the kernel time source, nanoseconds since boot.
func (k *Kernel) NowNanos() int64 { return int64(time.Since(k.started)) }

// Uptime reports time since boot.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.started) }

// InitTask returns the id of the initial task.
func (k *Kernel) InitTask() id.TaskID { return k.initTask }

// Metrics exposes the kernel metrics collector.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }

// Config exposes the effective configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Run is the scheduler's wait-for-event loop, the only legitimate
// non-returning path. It idles between housekeeping ticks until Shutdown.
func (k *Kernel) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	k.log.Info("entering wait-for-event loop")
	for {
		select {
		case <-ticker.C:
			k.metrics.UpdateUptime()
		case <-k.stop:
			k.log.Info("kernel halting", zap.Duration("uptime", k.Uptime()))
			return
		}
	}
}

// Shutdown stops the wait loop. Idempotent.
func (k *Kernel) Shutdown() {
	k.stopOnce.Do(func() { close(k.stop) })
}
