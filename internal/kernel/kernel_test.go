package kernel

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/ktask"
	"github.com/karnal-os/karnal64/internal/syscalls"
)

// recordingHooks notes the order the hardware layer is brought up in.
type recordingHooks struct {
	mu      sync.Mutex
	order   []string
	console io.Writer
	failAt  string
}

func (h *recordingHooks) step(name string) error {
	h.mu.Lock()
	h.order = append(h.order, name)
	h.mu.Unlock()
	if h.failAt == name {
		return errors.New("hardware fault")
	}
	return nil
}

func (h *recordingHooks) HardwareInit() error  { return h.step("hardware") }
func (h *recordingHooks) InterruptInit() error { return h.step("interrupt") }
func (h *recordingHooks) TimerInit() error     { return h.step("timer") }

func (h *recordingHooks) ConsoleReady() (io.Writer, error) {
	if err := h.step("console"); err != nil {
		return nil, err
	}
	return h.console, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Memory.TotalFrames = 64
	cfg.Monitor.Enabled = false
	return cfg
}

func boot(t *testing.T, opts Options) *Kernel {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	k, err := Boot(opts)
	require.NoError(t, err)
	return k
}

func TestBootSequenceAndBanner(t *testing.T) {
	var sink bytes.Buffer
	hooks := &recordingHooks{console: &sink}

	k := boot(t, Options{Hooks: hooks})
	require.NotEmpty(t, k.BootID)

	// Hardware layer came up in the contractual order, each hook once.
	assert.Equal(t, []string{"hardware", "interrupt", "timer", "console"}, hooks.order)

	// The default init writes the banner through the syscall boundary and
	// exits.
	require.Eventually(t, func() bool {
		st, err := k.Tasks.State(k.InitTask())
		return err == nil && st == ktask.TaskZombie
	}, 5*time.Second, time.Millisecond)
	assert.Contains(t, sink.String(), "karnal64 up\n")

	// Exit returned every frame the init task held.
	free, total := k.Memory.FrameStats()
	assert.Equal(t, total, free)
}

func TestBootFailsWhenHardwareFails(t *testing.T) {
	hooks := &recordingHooks{console: io.Discard, failAt: "interrupt"}

	_, err := Boot(Options{Config: testConfig(), Logger: logging.NewNop(), Hooks: hooks})
	require.Error(t, err)
	assert.True(t, kerror.Is(err, kerror.Internal))

	// Nothing past the failing hook ran.
	assert.Equal(t, []string{"hardware", "interrupt"}, hooks.order)
}

func TestCustomInitProgram(t *testing.T) {
	var sink bytes.Buffer
	ran := make(chan struct{})

	k := boot(t, Options{
		Hooks: &recordingHooks{console: &sink},
		Programs: map[string]ktask.EntryFunc{
			"init": func(ctx *ktask.Context, arg uint64) { close(ran) },
		},
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("custom init never ran")
	}
	assert.NotContains(t, sink.String(), "karnal64 up")

	info, err := k.Tasks.Info(k.InitTask())
	require.NoError(t, err)
	assert.Equal(t, "init", info.Program)
}

func TestBootReleasesInitCodeHandle(t *testing.T) {
	k := boot(t, Options{Hooks: &recordingHooks{console: io.Discard}})

	require.Eventually(t, func() bool {
		st, err := k.Tasks.State(k.InitTask())
		return err == nil && st == ktask.TaskZombie
	}, 5*time.Second, time.Millisecond)

	// With init gone, the only live handles are the admin handles the
	// provider registrations issued. The handle boot used to resolve the init
	// image must not linger.
	assert.Equal(t, len(k.Resources.List()), k.Resources.HandleCount())
}

func TestInfoValues(t *testing.T) {
	k := boot(t, Options{Hooks: &recordingHooks{console: io.Discard}})

	v, err := k.InfoValue(syscalls.InfoVersion)
	require.NoError(t, err)
	assert.Equal(t, uint64(VersionMinor)<<16, v)

	total, err := k.InfoValue(syscalls.InfoFramesTotal)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), total)

	free, err := k.InfoValue(syscalls.InfoFramesFree)
	require.NoError(t, err)
	assert.LessOrEqual(t, free, total)

	_, err = k.InfoValue(99)
	assert.True(t, kerror.Is(err, kerror.InvalidArgument))
}

func TestManifestSelectsProviders(t *testing.T) {
	manifest := &config.Manifest{
		Providers: []string{"karnal://device/null", "karnal://boot/initrd"},
		InitTask:  config.InitTask{Program: "init"},
	}
	ran := make(chan struct{})

	k := boot(t, Options{
		Hooks:    &recordingHooks{console: io.Discard},
		Manifest: manifest,
		Programs: map[string]ktask.EntryFunc{
			"init": func(ctx *ktask.Context, arg uint64) { close(ran) },
		},
	})
	<-ran

	_, err := k.Resources.Lookup("karnal://device/null")
	assert.NoError(t, err)
	_, err = k.Resources.Lookup("karnal://device/console")
	assert.True(t, kerror.Is(err, kerror.NotFound))
	assert.Nil(t, k.Providers.Console)
}

func TestRunStopsOnShutdown(t *testing.T) {
	k := boot(t, Options{Hooks: &recordingHooks{console: io.Discard}})

	done := make(chan struct{})
	go func() {
		k.Run()
		close(done)
	}()

	k.Shutdown()
	k.Shutdown() // idempotent

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop never stopped")
	}
}
