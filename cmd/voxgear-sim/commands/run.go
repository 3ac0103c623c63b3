package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/voxgear/voxgear/pkg/audio/device"
	"github.com/voxgear/voxgear/pkg/iot"
	"github.com/voxgear/voxgear/pkg/voxgear"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulated device",
	RunE:  runSimulator,
}

var (
	stateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7"))
	botStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

func runSimulator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	eng := voxgear.NewEngine()
	eng.SetLogger(voxgear.SlogLogger(logger))
	if cfg.OTAURL != "" {
		eng.SetOTAURL(cfg.OTAURL)
	}
	if cfg.WebSocketURL != "" || len(cfg.Headers) > 0 {
		url := cfg.WebSocketURL
		if url == "" {
			url = voxgear.DefaultWebSocketURL
		}
		eng.ConfigWebSocket(url, cfg.Headers)
	}
	if cfg.DeviceID != "" {
		eng.SetDeviceID(cfg.DeviceID)
	}
	if err := eng.SetFrameDuration(cfg.FrameDurationMs); err != nil {
		return err
	}
	if cfg.WakePhrase != "" {
		eng.SetWakeModel(&voxgear.EnergyWakeModel{WakePhrase: cfg.WakePhrase})
	}

	speakerOut := &device.WAVOutput{}
	speaker := iot.NewEntity("Speaker", "The playback speaker",
		[]iot.Property{{Name: "volume", Description: "volume percentage", Type: iot.TypeNumber}},
		[]iot.Method{{
			Name:        "SetVolume",
			Description: "Set the playback volume",
			Parameters: []iot.Parameter{
				{Name: "volume", Description: "percentage 0-100", Type: iot.TypeNumber, Required: true},
			},
		}},
	)
	speaker.Update("volume", iot.Int64(70))
	if err := eng.RegisterEntity(speaker); err != nil {
		return err
	}

	var mic device.Input
	if cfg.MicWAV != "" {
		wavIn, err := device.LoadWAVInput(cfg.MicWAV)
		if err != nil {
			return err
		}
		wavIn.Realtime = true
		mic = wavIn
	} else {
		mic = &device.SimInput{
			Realtime: true,
			Source:   device.SineSource(cfg.ToneHz, 16000, 8000),
		}
	}
	if err := eng.Start(mic, speakerOut); err != nil {
		return err
	}
	defer func() {
		eng.Close()
		printStats(eng.Stats())
		if cfg.RecordWAV != "" {
			if err := speakerOut.Save(cfg.RecordWAV); err != nil {
				fmt.Fprintln(os.Stderr, "save recording:", err)
			} else {
				fmt.Println(dimStyle.Render("recording saved to " + cfg.RecordWAV))
			}
		}
	}()

	fmt.Println(dimStyle.Render("voxgear-sim: device " + eng.DeviceID() + ", press Ctrl-C to exit; send SIGUSR1 to trigger"))

	trigger := make(chan os.Signal, 1)
	signal.Notify(trigger, syscall.SIGUSR1)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-trigger:
			eng.Trigger()
		case <-ticker.C:
			for _, ev := range eng.Events() {
				printEvent(speaker, speakerOut, ev)
			}
		}
	}
}

func printStats(s voxgear.StatsSnapshot) {
	fmt.Println(dimStyle.Render(fmt.Sprintf(
		"sessions=%d frames_up=%d (dropped %.0f%%) packets_down=%d bytes_up=%d bytes_down=%d slow_sends=%d",
		s.SessionsOpened, s.FramesSent, s.UplinkLoss()*100,
		s.PacketsPlayed, s.BytesUp, s.BytesDown, s.SlowSends)))
}

func printEvent(speaker *iot.Entity, out *device.WAVOutput, ev voxgear.Event) {
	switch e := ev.(type) {
	case voxgear.StateChangedEvent:
		fmt.Println(stateStyle.Render(fmt.Sprintf("[%s -> %s]", e.Old, e.New)))
	case voxgear.ChatMessageEvent:
		style := userStyle
		prefix := ">>"
		if e.Role == voxgear.RoleAssistant {
			style = botStyle
			prefix = "<<"
		}
		fmt.Println(style.Render(prefix + " " + e.Text))
	case voxgear.EmotionEvent:
		fmt.Println(dimStyle.Render("emotion: " + e.Emotion))
	case voxgear.ActivationEvent:
		fmt.Println(stateStyle.Render("activation required: "+e.Code) + " " + e.Message)
	case voxgear.IotInvocationEvent:
		fmt.Println(dimStyle.Render(fmt.Sprintf("iot: %s.%s(%v)", e.Entity, e.Method, e.Parameters)))
		if e.Entity == "Speaker" && e.Method == "SetVolume" {
			if v, ok := e.Parameters["volume"]; ok && v.Type() == iot.TypeNumber {
				if err := out.SetVolume(int(v.Int())); err == nil {
					speaker.Update("volume", v)
				}
			}
		}
	}
}
