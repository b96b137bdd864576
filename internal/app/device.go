package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DonDistillo-Project/cocktail-robot/internal/audio"
	"github.com/DonDistillo-Project/cocktail-robot/internal/config"
	"github.com/DonDistillo-Project/cocktail-robot/internal/control"
	"github.com/DonDistillo-Project/cocktail-robot/internal/display"
	"github.com/DonDistillo-Project/cocktail-robot/internal/health"
	"github.com/DonDistillo-Project/cocktail-robot/internal/ipc"
	"github.com/DonDistillo-Project/cocktail-robot/internal/relay"
	"github.com/DonDistillo-Project/cocktail-robot/internal/scale"
	"github.com/DonDistillo-Project/cocktail-robot/internal/server"
)

// StateIdle is reported while no control client is connected.
const StateIdle = "idle"

// ListenerHealth names the gRPC health listener in Device.Addr.
const ListenerHealth = "health"

// AudioPair is the microphone and speaker serving one audio connection.
type AudioPair struct {
	Mic      relay.Microphone
	Speaker  relay.Speaker
	Close    func()
	Warnings []string
}

// AudioOpener acquires audio devices for one connection. Devices are
// released through AudioPair.Close or when ctx ends.
type AudioOpener func(ctx context.Context, cfg config.AudioConfig) (AudioPair, error)

// Device wires the weight sensor, the render sink and both session kinds
// behind the TCP listeners, and answers local status requests.
type Device struct {
	cfg       config.Config
	sensor    scale.Sensor
	sink      *display.Sink
	server    *server.Server
	health    *health.Server
	healthLn  net.Listener
	openAudio AudioOpener
	logger    *slog.Logger

	mu      sync.Mutex
	control *control.Session
	audio   *audioLink
}

type audioLink struct {
	id    string
	peer  string
	relay *relay.Relay
}

// NewDevice assembles a device. The health server is only built when
// cfg.Health.Addr is set.
func NewDevice(cfg config.Config, sensor scale.Sensor, screen display.Screen, openAudio AudioOpener, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if openAudio == nil {
		openAudio = openPulseAudio
	}
	d := &Device{
		cfg:       cfg,
		sensor:    sensor,
		openAudio: openAudio,
		logger:    logger,
		sink: display.NewSink(screen, display.Options{
			QueueDepth:    cfg.Display.QueueDepth,
			SubmitTimeout: cfg.Display.SubmitTimeout,
			PopupDuration: cfg.Display.PopupDuration,
		}, logger),
	}

	var reporter server.HealthReporter
	if cfg.Health.Addr != "" {
		d.health = health.NewServer(logger)
		reporter = d.health
	}
	d.server = server.New(
		server.Config{ControlAddr: cfg.Control.Addr, AudioAddr: cfg.Audio.Addr},
		server.HandlerFunc(d.serveControl),
		server.HandlerFunc(d.serveAudio),
		reporter,
		logger,
	)
	return d
}

// Listen binds the control, audio and health listeners.
func (d *Device) Listen(ctx context.Context) error {
	if err := d.server.Listen(ctx); err != nil {
		return err
	}
	if d.health == nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.cfg.Health.Addr)
	if err != nil {
		d.server.Close()
		return fmt.Errorf("bind health listener %s: %w", d.cfg.Health.Addr, err)
	}
	d.healthLn = ln
	return nil
}

// Addr returns the bound address of a listener, or nil.
func (d *Device) Addr(name string) net.Addr {
	if name == ListenerHealth {
		if d.healthLn == nil {
			return nil
		}
		return d.healthLn.Addr()
	}
	return d.server.Addr(name)
}

// Run serves until ctx ends or a component fails. ipcListener may be nil.
func (d *Device) Run(ctx context.Context, ipcListener net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sink.Run(gctx) })
	g.Go(func() error { return d.server.Run(gctx) })
	if d.healthLn != nil {
		g.Go(func() error { return d.health.Serve(gctx, d.healthLn) })
	}
	if ipcListener != nil {
		g.Go(func() error { return ipc.Serve(gctx, ipcListener, d, d.logger) })
	}
	return g.Wait()
}

// Handle answers status and zero requests from the local socket.
func (d *Device) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		return d.Status()
	case ipc.CommandZero:
		if err := d.sensor.Zero(); err != nil {
			d.logger.Warn("zero scale failed", "error", err.Error())
			return ipc.Response{OK: false, Error: fmt.Sprintf("zero scale: %v", err)}
		}
		d.logger.Info("scale zeroed", "source", "ipc")
		return ipc.Response{OK: true, Message: "scale zeroed"}
	default:
		return ipc.Response{OK: false, Error: fmt.Sprintf("unsupported command %q", req.Command)}
	}
}

// Status snapshots the connected sessions.
func (d *Device) Status() ipc.Response {
	d.mu.Lock()
	session, link := d.control, d.audio
	d.mu.Unlock()

	resp := ipc.Response{OK: true, State: StateIdle}
	if session != nil {
		status := session.Status()
		resp.Control = &status
		resp.State = status.Phase
	}
	if link != nil {
		stats := link.relay.Stats()
		resp.Audio = &ipc.AudioStatus{
			SessionID:     link.id,
			Peer:          link.peer,
			DownlinkBytes: stats.Downlink,
			UplinkBytes:   stats.Uplink,
		}
	}
	if dropped := d.sink.Dropped(); dropped > 0 {
		resp.Message = fmt.Sprintf("%d render commands dropped", dropped)
	}
	return resp
}

func (d *Device) serveControl(ctx context.Context, conn net.Conn, id string) error {
	session := control.NewSession(
		id,
		conn.RemoteAddr().String(),
		conn,
		d.sensor,
		d.sink,
		control.Config{PollInterval: d.cfg.Control.PollInterval, WriteTimeout: d.cfg.Control.WriteTimeout},
		d.logger,
	)

	d.mu.Lock()
	d.control = session
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.control = nil
		d.mu.Unlock()
	}()

	return session.Run(ctx)
}

func (d *Device) serveAudio(ctx context.Context, conn net.Conn, id string) error {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := d.logger.With("session_id", id)
	pair, err := d.openAudio(linkCtx, d.cfg.Audio)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	if pair.Close != nil {
		defer pair.Close()
	}
	for _, warning := range pair.Warnings {
		logger.Warn("audio device fallback", "warning", warning)
	}

	link := &audioLink{
		id:   id,
		peer: conn.RemoteAddr().String(),
		relay: relay.New(conn, pair.Mic, pair.Speaker, relay.Config{
			SpeakerChunk: d.cfg.Audio.SpeakerChunkSamples * 2,
			MicChunk:     d.cfg.Audio.MicChunkSamples * 2,
			ReadPoll:     d.cfg.Audio.ReadPoll,
			// Devices were opened on linkCtx, so cancelling it unblocks the mic.
			OnDead: cancel,
		}, logger),
	}

	d.mu.Lock()
	d.audio = link
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.audio = nil
		d.mu.Unlock()
	}()

	return link.relay.Run(linkCtx)
}

// openPulseAudio selects and opens the configured Pulse source and sink.
func openPulseAudio(ctx context.Context, cfg config.AudioConfig) (AudioPair, error) {
	input, err := audio.SelectDevice(ctx, cfg.Input, cfg.InputFallback)
	if err != nil {
		return AudioPair{}, err
	}
	output, err := audio.SelectOutputDevice(ctx, cfg.Output, cfg.OutputFallback)
	if err != nil {
		return AudioPair{}, err
	}

	mic, err := audio.OpenMicrophone(ctx, input.Device, audio.MicConfig{
		SampleRate:   cfg.MicSampleRate,
		ChunkSamples: cfg.MicChunkSamples,
	})
	if err != nil {
		return AudioPair{}, err
	}
	speaker, err := audio.OpenSpeaker(ctx, output.Device, audio.SpeakerConfig{
		SampleRate:   cfg.SpeakerSampleRate,
		ChunkSamples: cfg.SpeakerChunkSamples,
	})
	if err != nil {
		mic.Close()
		return AudioPair{}, err
	}

	pair := AudioPair{
		Mic:     mic,
		Speaker: speaker,
		Close: func() {
			mic.Close()
			speaker.Close()
		},
	}
	for _, sel := range []audio.Selection{input, output} {
		if sel.Warning != "" {
			pair.Warnings = append(pair.Warnings, sel.Warning)
		}
	}
	return pair, nil
}
