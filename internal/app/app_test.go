package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DonDistillo-Project/cocktail-robot/internal/companion"
	"github.com/DonDistillo-Project/cocktail-robot/internal/config"
	"github.com/DonDistillo-Project/cocktail-robot/internal/display"
	"github.com/DonDistillo-Project/cocktail-robot/internal/ipc"
	"github.com/DonDistillo-Project/cocktail-robot/internal/protocol"
	"github.com/DonDistillo-Project/cocktail-robot/internal/scale"
	"github.com/DonDistillo-Project/cocktail-robot/internal/server"
)

type runnerPaths struct {
	configPath string
	runtimeDir string
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()
	root := t.TempDir()
	runtimeDir := filepath.Join(root, "run")
	require.NoError(t, os.MkdirAll(runtimeDir, 0o700))

	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	t.Setenv("XDG_STATE_HOME", filepath.Join(root, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	for _, key := range []string{"COCKTAIL_CONTROL_ADDR", "COCKTAIL_AUDIO_ADDR", "COCKTAIL_HEALTH_ADDR", "COCKTAIL_SCALE_PORT", "COCKTAIL_SCALE_BACKEND", "COCKTAIL_DISPLAY_BACKEND"} {
		t.Setenv(key, "")
	}

	return runnerPaths{
		configPath: filepath.Join(root, "cocktail.jsonc"),
		runtimeDir: runtimeDir,
	}
}

func writeConfig(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const testDeviceConfig = `{
  // everything on ephemeral loopback ports
  "control": {"addr": "127.0.0.1:0", "poll_interval_ms": 5},
  "audio": {"addr": "127.0.0.1:0", "read_poll_ms": 10},
  "health": {"addr": "127.0.0.1:0"},
  "scale": {"backend": "simulated"},
  "display": {"backend": "log"},
}`

func TestExecuteHelpAndVersion(t *testing.T) {
	setupRunnerEnv(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Execute(context.Background(), []string{"--help"}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "Usage:")

	stdout.Reset()
	require.Equal(t, 0, Execute(context.Background(), []string{"version"}, &stdout, &stderr))
	require.True(t, strings.HasPrefix(stdout.String(), "cocktail-robot "))
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommandExitsTwo(t *testing.T) {
	setupRunnerEnv(t)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"shake"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestExecuteConfigErrorExitsOne(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, `{"scale": {"backend": "hx711"}}`)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", paths.configPath, "status"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "scale.backend")
}

func TestStatusReportsStoppedWithoutDevice(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", paths.configPath, "status"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "stopped\n", stdout.String())
}

func TestZeroFailsWithoutDevice(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", paths.configPath, "zero"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), ipc.ErrNotRunning.Error())
}

func TestStatusPrintsSessionsFromSocket(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	stopServer := serveIPC(t, paths.runtimeDir, ipc.HandlerFunc(func(_ context.Context, _ ipc.Request) ipc.Response {
		return ipc.Response{
			OK:    true,
			State: "running",
			Audio: &ipc.AudioStatus{SessionID: "a1", Peer: "10.0.0.2:5000", DownlinkBytes: 2048, UplinkBytes: 128},
		}
	}))
	defer stopServer()

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", paths.configPath, "status"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "running\n")
	require.Contains(t, stdout.String(), "audio: session=a1 peer=10.0.0.2:5000 downlink=2048B uplink=128B")

	stdout.Reset()
	code = Execute(context.Background(), []string{"--config", paths.configPath, "status", "--json"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var resp ipc.Response
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	require.Equal(t, "running", resp.State)
	require.NotNil(t, resp.Audio)
	require.Equal(t, int64(2048), resp.Audio.DownlinkBytes)
}

func TestProbeWithoutHealthAddrFails(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, `{"health": {"addr": ""}, "scale": {"backend": "simulated"}}`)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", paths.configPath, "probe"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "no health address")
}

func TestDialAddr(t *testing.T) {
	require.Equal(t, "127.0.0.1:2345", dialAddr(":2345"))
	require.Equal(t, "10.0.0.5:2345", dialAddr("10.0.0.5:2345"))
	require.Equal(t, "robot.local:1234", dialAddr("robot.local:1234"))
	require.Equal(t, "not-an-addr", dialAddr("not-an-addr"))
}

func TestDeviceHandleZeroAndUnsupported(t *testing.T) {
	sensor := scale.NewSimulated()
	sensor.Set(120)
	dev := newTestDevice(t, sensor)

	resp := dev.Handle(context.Background(), ipc.Request{Command: ipc.CommandZero})
	require.True(t, resp.OK)
	require.Equal(t, "scale zeroed", resp.Message)

	weight, err := sensor.Weight()
	require.NoError(t, err)
	require.Zero(t, weight)

	sensor.Fail(errors.New("adc unplugged"))
	resp = dev.Handle(context.Background(), ipc.Request{Command: ipc.CommandZero})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "adc unplugged")

	resp = dev.Handle(context.Background(), ipc.Request{Command: "reboot"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unsupported command")
}

func TestDeviceStatusIdle(t *testing.T) {
	dev := newTestDevice(t, scale.NewSimulated())

	resp := dev.Status()
	require.True(t, resp.OK)
	require.Equal(t, StateIdle, resp.State)
	require.Nil(t, resp.Control)
	require.Nil(t, resp.Audio)
}

func TestServeRunsDeviceUntilCancelled(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	sensor := scale.NewSimulated()
	sensor.Set(42)
	audioDevs := newFakeAudio()
	dev, stop := startServe(t, paths, sensor, audioDevs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := companion.Dial(ctx, dev.Addr(server.ListenerControl).String(), time.Second, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	require.NoError(t, client.StartRecipe("Whiskey Sour"))
	require.Eventually(t, func() bool {
		latest, ok := client.Watcher().Latest()
		return ok && latest == 42
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return dev.Status().State == "running"
	}, 2*time.Second, 5*time.Millisecond)

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	code := runner.Execute(ctx, []string{"--config", paths.configPath, "status"})
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "running\n")
	require.Contains(t, stdout.String(), `recipe="Whiskey Sour"`)

	stdout.Reset()
	code = runner.Execute(ctx, []string{"--config", paths.configPath, "zero"})
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "scale zeroed\n", stdout.String())
	require.Eventually(t, func() bool {
		latest, ok := client.Watcher().Latest()
		return ok && latest == 0
	}, 2*time.Second, 5*time.Millisecond)

	healthAddr := dev.Addr(ListenerHealth).String()
	require.Eventually(t, func() bool {
		var out, errOut bytes.Buffer
		r := Runner{Stdout: &out, Stderr: &errOut}
		return r.Execute(ctx, []string{"--config", paths.configPath, "probe", healthAddr}) == 0 &&
			strings.Contains(out.String(), "overall: SERVING")
	}, 3*time.Second, 20*time.Millisecond)

	audioConn, err := net.Dial("tcp", dev.Addr(server.ListenerAudio).String())
	require.NoError(t, err)
	defer func() { _ = audioConn.Close() }()

	_, err = audioConn.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Equal(audioDevs.speaker.Bytes(), []byte{1, 2, 3, 4})
	}, 2*time.Second, 5*time.Millisecond)

	uplink := make([]byte, 2)
	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(audioConn, uplink)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x11}, uplink)

	require.Eventually(t, func() bool {
		return dev.Status().Audio != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 0, stop())
	_, err = os.Stat(filepath.Join(paths.runtimeDir, ipc.SocketName))
	require.True(t, os.IsNotExist(err))
}

func TestControlProtocolErrorLeavesAudioRelayRunning(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	audioDevs := newFakeAudio()
	dev, _ := startServe(t, paths, scale.NewSimulated(), audioDevs)

	audioConn, err := net.Dial("tcp", dev.Addr(server.ListenerAudio).String())
	require.NoError(t, err)
	defer func() { _ = audioConn.Close() }()
	require.Eventually(t, func() bool {
		return dev.Status().Audio != nil
	}, 2*time.Second, 5*time.Millisecond)

	controlConn, err := net.Dial("tcp", dev.Addr(server.ListenerControl).String())
	require.NoError(t, err)
	defer func() { _ = controlConn.Close() }()

	require.NoError(t, protocol.WriteCommand(controlConn, protocol.StartRecipe{Name: "Negroni"}))
	require.Eventually(t, func() bool {
		return dev.Status().State == "running"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = controlConn.Write([]byte{99})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dev.Status().Control == nil
	}, 2*time.Second, 5*time.Millisecond)

	// the device hung up on the control client
	require.NoError(t, controlConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.Copy(io.Discard, controlConn)
	if err != nil {
		var netErr net.Error
		require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "control connection left open")
	}

	_, err = audioConn.Write([]byte{5, 6, 7, 8})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Equal(audioDevs.speaker.Bytes(), []byte{5, 6, 7, 8})
	}, 2*time.Second, 5*time.Millisecond)

	uplink := make([]byte, 2)
	require.NoError(t, audioConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(audioConn, uplink)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x11}, uplink)

	status := dev.Status()
	require.NotNil(t, status.Audio)
	require.Equal(t, StateIdle, status.State)
}

func TestPlayScriptAgainstServedDevice(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	sensor := scale.NewSimulated()
	dev, stop := startServe(t, paths, sensor, newFakeAudio())
	defer stop()

	scriptPath := filepath.Join(t.TempDir(), "sour.yaml")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`name: Whiskey Sour
steps:
  - instruction: Add whiskey
    target: 50
  - instruction: Shake with ice
`), 0o600))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if c := dev.Status().Control; c != nil && c.ScaleEnabled {
				sensor.Add(50)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	code := runner.Execute(ctx, []string{
		"--config", paths.configPath,
		"play", scriptPath,
		"--control", dev.Addr(server.ListenerControl).String(),
	})
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "[1/2] Add whiskey (50.0g)")
	require.Contains(t, stdout.String(), "[2/2] Shake with ice")
	require.Contains(t, stdout.String(), "Whiskey Sour finished")
}

func TestServeFailsWhenSensorCannotOpen(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeConfig(t, paths.configPath, testDeviceConfig)

	var stdout, stderr bytes.Buffer
	runner := Runner{
		Stdout: &stdout,
		Stderr: &stderr,
		OpenSensor: func(config.ScaleConfig, *slog.Logger) (scale.Sensor, io.Closer, error) {
			return nil, nil, errors.New("open /dev/ttyUSB0: no such file")
		},
	}
	code := runner.Execute(context.Background(), []string{"--config", paths.configPath, "serve"})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "ttyUSB0")
}

func newTestDevice(t *testing.T, sensor scale.Sensor) *Device {
	t.Helper()
	cfg := config.Default()
	cfg.Control.Addr = "127.0.0.1:0"
	cfg.Audio.Addr = "127.0.0.1:0"
	cfg.Health.Addr = ""
	return NewDevice(cfg, sensor, display.LogScreen{}, newFakeAudio().open, nil)
}

// startServe runs the serve command in the background and returns the
// device once its listeners are bound. stop cancels serve and returns its
// exit code.
func startServe(t *testing.T, paths runnerPaths, sensor scale.Sensor, audioDevs *fakeAudio) (*Device, func() int) {
	t.Helper()

	ready := make(chan *Device, 1)
	runner := Runner{
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		OpenAudio: audioDevs.open,
		OpenSensor: func(config.ScaleConfig, *slog.Logger) (scale.Sensor, io.Closer, error) {
			return sensor, nopCloser{}, nil
		},
		Ready: func(d *Device) { ready <- d },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- runner.Execute(ctx, []string{"--config", paths.configPath, "serve"})
	}()

	var dev *Device
	select {
	case dev = <-ready:
	case code := <-done:
		cancel()
		t.Fatalf("serve exited early with %d", code)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not become ready")
	}

	var once sync.Once
	exit := -1
	stop := func() int {
		once.Do(func() {
			cancel()
			select {
			case exit = <-done:
			case <-time.After(5 * time.Second):
				t.Error("serve did not stop")
			}
		})
		return exit
	}
	t.Cleanup(func() { stop() })
	return dev, stop
}

func serveIPC(t *testing.T, runtimeDir string, handler ipc.Handler) func() {
	t.Helper()

	listener, err := net.Listen("unix", filepath.Join(runtimeDir, ipc.SocketName))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ipc.Serve(ctx, listener, handler, nil) }()

	return func() {
		cancel()
		_ = listener.Close()
		<-done
	}
}

type fakeAudio struct {
	speaker *fakeSpeaker
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{speaker: &fakeSpeaker{}}
}

func (f *fakeAudio) open(ctx context.Context, _ config.AudioConfig) (AudioPair, error) {
	mic := &fakeMic{closed: make(chan struct{})}
	var once sync.Once
	closeMic := func() { once.Do(func() { close(mic.closed) }) }
	context.AfterFunc(ctx, closeMic)
	return AudioPair{
		Mic:     mic,
		Speaker: f.speaker,
		Close:   closeMic,
	}, nil
}

// fakeMic yields a chunk of 0x11 bytes every millisecond until closed.
type fakeMic struct {
	closed chan struct{}
}

func (m *fakeMic) Read(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.EOF
	case <-time.After(time.Millisecond):
	}
	for i := range p {
		p[i] = 0x11
	}
	return len(p), nil
}

type fakeSpeaker struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *fakeSpeaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSpeaker) Reset() {}

func (s *fakeSpeaker) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}
