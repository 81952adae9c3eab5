package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/gamma.report/internal/api"
	"github.com/banshee-data/gamma.report/internal/calibration"
	"github.com/banshee-data/gamma.report/internal/config"
	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/store"
	"github.com/banshee-data/gamma.report/internal/version"
)

var (
	configFile  = flag.String("config", "gamma.yaml", "Path to the settings file (.yaml, .yml or .json)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides http_listen)")
	devMode     = flag.Bool("dev", false, "Talk to a simulated detector instead of the network")
	reconnect   = flag.Bool("reconnect", false, "Reopen the transport when the worker terminates")
	noConnect   = flag.Bool("no-connect", false, "Do not send connect on startup")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

// reconnectDelay is the pause before reopening a terminated transport.
const reconnectDelay = 2 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	settings, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	log.Printf("gamma %s, device %s", version.Get(), settings.PeerEndpoint())

	catalog, err := db.NewDB(settings.GetDatabasePath())
	if err != nil {
		log.Fatalf("failed to open catalog: %v", err)
	}
	defer catalog.Close()

	fsys := fsutil.OSFileSystem{}
	files := store.NewFileStore(fsys, settings.GetSessionRootDirectory())
	files.StoreCHN = settings.GetStoreCHN()
	loader := calibration.NewLoader(fsys, settings.GetGEScriptDirectory())

	var library *spectrum.Library
	if path := settings.NuclideLibraryFile; path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("failed to open nuclide library: %v", err)
		}
		library, err = spectrum.ParseLibrary(f)
		f.Close()
		if err != nil {
			log.Fatalf("failed to read nuclide library %s: %v", path, err)
		}
	}

	metrics := monitoring.NewMetrics(nil)
	hub := api.NewHub()
	defer hub.Close()

	d := dispatch.New(dispatch.Config{
		Loader:    loader,
		Recorders: []dispatch.Recorder{files, catalog},
		Notifier:  hub,
		Metrics:   metrics,
	})

	channels := 0
	if serial := settings.SelectedDetector; serial != "" {
		det, typ, err := settings.Detector(serial)
		if err != nil {
			log.Fatalf("failed to select detector: %v", err)
		}
		if err := d.SelectDetector(det, typ); err != nil {
			log.Fatalf("failed to select detector %s: %v", serial, err)
		}
		channels = det.NumChannels
		log.Printf("selected detector %s", det)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		err := runTransport(ctx, d, settings, metrics, channels)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
		log.Print("dispatcher routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(api.Config{
			Dispatcher: d,
			Loader:     loader,
			Store:      files,
			Catalog:    catalog,
			Library:    library,
			Hub:        hub,
			Metrics:    metrics,
		})

		mux := http.NewServeMux()
		if err := catalog.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}
		mux.Handle("/", srv.Router())

		addr := *listen
		if addr == "" {
			addr = settings.GetHTTPListen()
		}
		server := &http.Server{
			Addr:    addr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runTransport opens a link, attaches it and runs the dispatcher on it. With
// -reconnect a terminated worker is replaced after reconnectDelay.
func runTransport(ctx context.Context, d *dispatch.Dispatcher, settings *config.Settings, metrics *monitoring.Metrics, channels int) error {
	cfg := settings.LinkConfig()
	cfg.Worker.Stats = metrics

	for {
		factory, closeDevice := socketFactory(settings, channels)
		link, err := network.Open(cfg, factory)
		if err != nil {
			closeDevice()
			return fmt.Errorf("failed to open transport: %w", err)
		}
		if err := d.Attach(link); err != nil {
			link.Close()
			closeDevice()
			return fmt.Errorf("failed to attach transport: %w", err)
		}
		log.Printf("transport bound to %s", link.LocalAddr())

		if !*noConnect {
			host, port := settings.GetConnectAddress()
			if err := d.Connect(host, port); err != nil {
				log.Printf("failed to queue connect: %v", err)
			}
		}

		err = d.Run(ctx, settings.GetDispatchInterval())
		if cerr := link.Close(); cerr != nil {
			log.Printf("failed to close transport: %v", cerr)
		}
		closeDevice()

		if !*reconnect || !errors.Is(err, dispatch.ErrTransportTerminated) {
			return err
		}
		log.Printf("%v; reconnecting in %s", err, reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// socketFactory returns the real UDP factory, or in -dev mode a mock socket
// with a simulated device behind it.
func socketFactory(settings *config.Settings, channels int) (network.UDPSocketFactory, func()) {
	if !*devMode {
		return network.NewRealUDPSocketFactory(), func() {}
	}
	sock := network.NewMockUDPSocket(nil)
	from := &net.UDPAddr{IP: net.ParseIP(settings.GetPeerAddress()), Port: settings.GetServicePort()}
	dev := newSimDevice(sock, from, channels, uint64(time.Now().UnixNano()))
	return network.NewMockUDPSocketFactory(sock), dev.Close
}
