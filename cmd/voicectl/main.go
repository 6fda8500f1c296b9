// voicectl drives a voice commentary collection from the command line:
// listing, playing, retiming, regaining, importing and exporting streams,
// plus an interactive record mode that runs the realtime engine against
// real audio hardware with the Enter key (or a GPIO footswitch) as the
// tangent.
package main

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/rodamaral/voicecommentary/audioio"
	"github.com/rodamaral/voicecommentary/config"
	"github.com/rodamaral/voicecommentary/rrdata"
	"github.com/rodamaral/voicecommentary/voice"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: voicectl [flags] <command> [args]

commands:
  list                              list streams in the collection
  play <id>                         play one stream to the speaker
  delete <id>                       delete a stream
  retime <id> <timebase>            move a stream on the timeline
  gain <id> <dB>                    set a stream's playback gain
  import <timebase> <path> <fmt>    import a sox/oggish file as a new stream
  export <id> [path] [fmt]          export a stream (default: timestamped sox)
  superstream <path>                export the mixed timeline as raw PCM
  record                            interactive record/playback session

flags:
`)
	pflag.PrintDefaults()
}

func main() {
	cfgPath := pflag.String("config", "", "YAML config file")
	cfg := config.Default()
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Usage = usage
	pflag.Parse()

	if *cfgPath != "" {
		loaded, err := config.Load(config.Default(), *cfgPath)
		if err != nil {
			fatalf("%v", err)
		}
		// Precedence is defaults < file < flags: keep the file's value for
		// anything the command line didn't explicitly set.
		pflag.Visit(func(f *pflag.Flag) {
			applyFlag(&loaded, f.Name, f.Value.String())
		})
		cfg = loaded
	}

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	e := voice.NewEngine(nil, nil, nil)
	if err := e.SetBitrate(cfg.OpusBitrate); err != nil {
		fatalf("%v", err)
	}
	if err := e.SetMaxBitrate(cfg.OpusMaxBitrate); err != nil {
		fatalf("%v", err)
	}
	if err := e.LoadCollectionFile(cfg.CollectionPath); err != nil {
		fatalf("loading collection %s: %v", cfg.CollectionPath, err)
	}
	defer e.UnloadCollection()

	if err := run(e, &cfg, args); err != nil {
		fatalf("%v", err)
	}
}

func run(e *voice.Engine, cfg *config.Config, args []string) error {
	switch args[0] {
	case "list":
		infos, err := e.ListStreams()
		if err != nil {
			return err
		}
		fmt.Printf("%-6s %-12s %-12s %-8s %s\n", "id", "timebase", "length", "gain dB", "packets")
		for _, si := range infos {
			fmt.Printf("%-6d %-12d %-12d %-8.2f %d\n", si.ID, si.Timebase, si.Length, si.GainDB, si.Packets)
		}
		return nil
	case "play":
		id, err := idArg(args, 1)
		if err != nil {
			return err
		}
		return playStream(e, cfg, id)
	case "delete":
		id, err := idArg(args, 1)
		if err != nil {
			return err
		}
		return e.DeleteStream(id)
	case "retime":
		id, err := idArg(args, 1)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("retime: missing timebase")
		}
		ts, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("retime: bad timebase %q", args[2])
		}
		return e.RetimeStream(id, ts)
	case "gain":
		id, err := idArg(args, 1)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("gain: missing dB value")
		}
		db, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("gain: bad dB value %q", args[2])
		}
		return e.SetGain(id, db)
	case "import":
		if len(args) < 4 {
			return fmt.Errorf("import: need <timebase> <path> <fmt>")
		}
		ts, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("import: bad timebase %q", args[1])
		}
		format, err := voice.ParseFormat(args[3])
		if err != nil {
			return err
		}
		id, err := e.ImportStream(ts, args[2], format)
		if err != nil {
			return err
		}
		fmt.Printf("imported stream %d\n", id)
		return nil
	case "export":
		id, err := idArg(args, 1)
		if err != nil {
			return err
		}
		path := ""
		format := voice.FormatSox
		if len(args) > 2 {
			path = args[2]
		}
		if len(args) > 3 {
			if format, err = voice.ParseFormat(args[3]); err != nil {
				return err
			}
		}
		return e.ExportStream(id, path, format)
	case "superstream":
		if len(args) < 2 {
			return fmt.Errorf("superstream: missing output path")
		}
		return e.ExportSuperstream(args[1])
	case "record":
		return record(e, cfg)
	}
	usage()
	return fmt.Errorf("unknown command %q", args[0])
}

// playStream runs the engine just long enough to play one stream out the
// speaker. The timeline is left alone: a frame notification would flag a
// jump and cancel the manually started playback.
func playStream(e *voice.Engine, cfg *config.Config, id uint64) error {
	player, err := audioio.OpenPlayback(cfg.PlaybackDevice, 48000, 1024)
	if err != nil {
		return err
	}
	defer player.Close()
	e.SetPlayer(player)

	infos, err := e.ListStreams()
	if err != nil {
		return err
	}
	var length int64
	found := false
	for _, si := range infos {
		if si.ID == id {
			length, found = si.Length, true
		}
	}
	if !found {
		return fmt.Errorf("play: no stream %d", id)
	}

	if err := e.PlayStream(id); err != nil {
		return err
	}
	e.Start()
	defer e.Stop()
	time.Sleep(time.Duration(length)*time.Second/48000 + 200*time.Millisecond)
	return nil
}

// record runs a live session: the emulator timeline is simulated at 60fps,
// Enter toggles the tangent, "q" quits. A GPIO footswitch, if configured,
// drives the tangent in parallel.
func record(e *voice.Engine, cfg *config.Config) error {
	capture, err := audioio.OpenCapture(cfg.CaptureDevice, 48000, 1024)
	if err != nil {
		return err
	}
	defer capture.Close()
	player, err := audioio.OpenPlayback(cfg.PlaybackDevice, 48000, 1024)
	if err != nil {
		return err
	}
	defer player.Close()
	e.SetCapturer(capture)
	e.SetPlayer(player)

	set := rrdata.New()
	if err := set.Rebind(cfg.RrdataPath, false); err != nil {
		return err
	}
	defer set.Close()
	var seed rrdata.ID
	if _, err := rand.Read(seed[:]); err != nil {
		return err
	}
	set.SetInternal(seed)
	set.AddInternal()
	fmt.Printf("session rerecord count: %d\n", set.Count())

	if cfg.GPIOTangentChip != "" && cfg.GPIOTangentLine >= 0 {
		tangent, err := audioio.OpenGPIOTangent(cfg.GPIOTangentChip, cfg.GPIOTangentLine, func(pressed bool) {
			if pressed {
				if err := e.TangentOn(); err != nil {
					fmt.Fprintf(os.Stderr, "tangent on: %v\n", err)
				}
			} else if err := e.TangentOff(); err != nil {
				fmt.Fprintf(os.Stderr, "tangent off: %v\n", err)
			}
		})
		if err != nil {
			return err
		}
		defer tangent.Close()
	}

	watcher, err := audioio.WatchSoundDevices(func(action, syspath string) {
		fmt.Fprintf(os.Stderr, "sound device %s: %s\n", action, syspath)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "device watcher unavailable: %v\n", err)
	} else {
		defer watcher.Close()
	}

	e.Start()
	defer e.Stop()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("recording session: Enter toggles the tangent, q quits")
	recording := false
	var frame int64
	for {
		select {
		case line, ok := <-lines:
			if !ok || line == "q" {
				return nil
			}
			recording = !recording
			if recording {
				if err := e.TangentOn(); err != nil {
					return err
				}
				fmt.Println("tangent on")
			} else {
				if err := e.TangentOff(); err != nil {
					return err
				}
				fmt.Println("tangent off")
			}
		default:
			e.VoiceFrameNumber(frame, 60)
			frame++
			waitFrame()
		}
	}
}

func idArg(args []string, i int) (uint64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("%s: missing stream id", args[0])
	}
	id, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad stream id %q", args[0], args[i])
	}
	return id, nil
}

func applyFlag(cfg *config.Config, name, value string) {
	switch name {
	case "collection":
		cfg.CollectionPath = value
	case "rrdata":
		cfg.RrdataPath = value
	case "opus-bitrate":
		cfg.OpusBitrate, _ = strconv.Atoi(value)
	case "opus-max-bitrate":
		cfg.OpusMaxBitrate, _ = strconv.Atoi(value)
	case "capture-device":
		cfg.CaptureDevice = value
	case "playback-device":
		cfg.PlaybackDevice = value
	case "gpio-tangent-chip":
		cfg.GPIOTangentChip = value
	case "gpio-tangent-line":
		cfg.GPIOTangentLine, _ = strconv.Atoi(value)
	}
}

// waitFrame sleeps one simulated video frame at 60fps.
func waitFrame() { time.Sleep(time.Second / 60) }

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "voicectl: "+format+"\n", args...)
	os.Exit(1)
}
