// Command pcap-replay feeds device replies captured in a pcap file through
// the dispatcher and writes the resulting sessions to a session directory,
// as if the client had been running when the capture was taken.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/banshee-data/gamma.report/internal/calibration"
	"github.com/banshee-data/gamma.report/internal/config"
	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/store"
	"github.com/banshee-data/gamma.report/internal/timeutil"
)

// Config holds the replay options.
type Config struct {
	PCAPFile   string
	ConfigFile string
	OutputDir  string
	Port       int
	StoreCHN   bool
}

// Result summarises one replay.
type Result struct {
	Datagrams int            `json:"datagrams"`
	Malformed int            `json:"malformed"`
	Commands  map[string]int `json:"commands"`
	Sessions  []string       `json:"sessions"`
	Duration  float64        `json:"duration_secs"`
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "Capture to replay (required)")
	flag.StringVar(&cfg.ConfigFile, "config", "gamma.yaml", "Settings file naming the detector and GE script directory")
	flag.StringVar(&cfg.OutputDir, "out", "replayed-sessions", "Session directory to write")
	flag.IntVar(&cfg.Port, "port", network.DefaultServicePort, "Device source port to accept; 0 accepts any")
	flag.BoolVar(&cfg.StoreCHN, "chn", false, "Also write CHN files")
	flag.Parse()

	if cfg.PCAPFile == "" {
		log.Fatal("-pcap is required")
	}

	settings, err := config.Load(cfg.ConfigFile)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	f, err := os.Open(cfg.PCAPFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := replay(ctx, cfg, settings, fsutil.OSFileSystem{}, f)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	if err := writeResult(os.Stdout, res); err != nil {
		log.Fatalf("failed to write result: %v", err)
	}
}

func replay(ctx context.Context, cfg Config, settings *config.Settings, fsys fsutil.FileSystem, capture io.Reader) (*Result, error) {
	clock := timeutil.NewMockClock(time.Unix(0, 0).UTC())
	files := store.NewFileStore(fsys, cfg.OutputDir)
	files.StoreCHN = cfg.StoreCHN
	files.Clock = clock

	d := dispatch.New(dispatch.Config{
		Loader:    calibration.NewLoader(fsys, settings.GetGEScriptDirectory()),
		Recorders: []dispatch.Recorder{files},
		Clock:     clock,
	})
	if serial := settings.SelectedDetector; serial != "" {
		det, typ, err := settings.Detector(serial)
		if err != nil {
			return nil, err
		}
		if err := d.SelectDetector(det, typ); err != nil {
			return nil, fmt.Errorf("failed to select detector %s: %w", serial, err)
		}
	}

	res := &Result{Commands: make(map[string]int)}
	var first, last time.Time
	n, err := network.ReadPCAP(ctx, capture, cfg.Port, func(dg network.Datagram) error {
		if first.IsZero() {
			first = dg.Timestamp
		}
		last = dg.Timestamp
		clock.Set(dg.Timestamp)

		msg, err := protocol.Decode(dg.Payload, dg.Source)
		if err != nil {
			res.Malformed++
			log.Printf("skipping datagram from %s: %v", dg.Source, err)
			return nil
		}
		res.Commands[msg.Command]++
		d.Dispatch(msg)
		return nil
	})
	res.Datagrams = n
	res.Duration = last.Sub(first).Seconds()
	if err != nil {
		return res, err
	}

	names, err := files.ListSessions()
	if err != nil {
		return res, fmt.Errorf("failed to list replayed sessions: %w", err)
	}
	sort.Strings(names)
	res.Sessions = names
	return res, nil
}

func writeResult(w io.Writer, res *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

