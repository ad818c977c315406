package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gnss-integrity/internal/acquisition"
	"github.com/banshee-data/gnss-integrity/internal/api"
	"github.com/banshee-data/gnss-integrity/internal/config"
	"github.com/banshee-data/gnss-integrity/internal/db"
	"github.com/banshee-data/gnss-integrity/internal/mqttpub"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
	"github.com/banshee-data/gnss-integrity/internal/serialmux"
	"github.com/banshee-data/gnss-integrity/internal/source"
	"github.com/banshee-data/gnss-integrity/internal/state"
	"github.com/banshee-data/gnss-integrity/internal/timeutil"
	"github.com/banshee-data/gnss-integrity/internal/version"
)

var (
	configPath     = flag.String("config", "", "Path to a .json, .yaml or .yml config file")
	listen         = flag.String("listen", ":8080", "Listen address")
	dbPath         = flag.String("db", "gnss_integrity.db", "Path to the sqlite database")
	replayPath     = flag.String("replay", "", "Replay sentences from this file (selects replay mode)")
	port           = flag.String("port", "", "Read sentences from this serial port (selects serial mode)")
	interval       = flag.String("interval", "1s", "Acquisition interval")
	verifyChecksum = flag.Bool("verify-checksum", false, "Drop sentences whose checksum does not match")
	mqttBroker     = flag.String("mqtt-broker", "", "Publish every cycle to this MQTT broker, e.g. tcp://localhost:1883")
	devMode        = flag.Bool("dev", false, "Run the serial path against a simulated receiver looping the replay file")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

// pruneEvery is how often cycles older than the retention are deleted.
const pruneEvery = time.Hour

// applyFlagOverrides copies every flag set on the command line over cfg.
// Flags left at their defaults do not override the config file.
func applyFlagOverrides(cfg *config.Config, fs *flag.FlagSet) error {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "listen":
			cfg.Listen = v
		case "db":
			cfg.DBPath = v
		case "replay":
			cfg.Source.Mode = config.SourceReplay
			cfg.Source.ReplayPath = v
		case "port":
			cfg.Source.Mode = config.SourceSerial
			cfg.Source.SerialPort = v
		case "interval":
			cfg.Interval = v
		case "verify-checksum":
			cfg.VerifyChecksum = v == "true"
		case "mqtt-broker":
			cfg.MQTT.Broker = v
		}
	})
	return cfg.Validate()
}

func loadConfig(path string, fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := applyFlagOverrides(&cfg, fs); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readFixtureLines returns the non-blank lines of a capture file.
func readFixtureLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures file %s has no sentences", path)
	}
	return lines, nil
}

// openSource builds the sentence source. In serial and dev modes it also
// returns the mux, whose Monitor must be run; otherwise the mux is a
// DisabledSerialMux.
func openSource(cfg config.Config, dev bool) (source.Source, serialmux.SerialMuxInterface, error) {
	if dev {
		lines, err := readFixtureLines(cfg.Source.ReplayPath)
		if err != nil {
			return nil, nil, err
		}
		mux := serialmux.NewMockSerialMux(cfg.GetInterval(), lines...)
		return source.NewLive(mux), mux, nil
	}

	switch cfg.Source.Mode {
	case config.SourceSerial:
		mux, err := serialmux.NewRealSerialMux(cfg.Source.SerialPort, cfg.Source.Serial, cfg.Source.InitCommands...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Source.SerialPort, err)
		}
		if err := mux.Initialize(); err != nil {
			mux.Close()
			return nil, nil, fmt.Errorf("failed to initialize receiver: %w", err)
		}
		return source.NewLive(mux), mux, nil
	default:
		r, err := source.OpenReplay(cfg.Source.ReplayPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open replay file: %w", err)
		}
		return r, serialmux.NewDisabledSerialMux(), nil
	}
}

func runMigrate(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("db", "gnss_integrity.db", "Path to the sqlite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *path)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:], os.Stderr); err != nil {
			if errors.Is(err, db.ErrUsage) || errors.Is(err, flag.ErrHelp) {
				os.Exit(2)
			}
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Listen == "" {
		log.Fatal("Listen address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	src, receiver, err := openSource(cfg, *devMode)
	if err != nil {
		log.Fatal(err)
	}
	defer src.Close()
	defer receiver.Close()

	sessionID := uuid.NewString()
	mode := cfg.Source.Mode
	if *devMode {
		mode = "dev"
	}
	if err := database.RecordSession(ctx, db.Session{
		ID:        sessionID,
		StartedAt: time.Now().UTC(),
		Source:    mode,
		Version:   version.Version,
	}); err != nil {
		log.Fatalf("Failed to record session: %v", err)
	}
	log.Printf("session %s started (%s source, %s interval)", sessionID, mode, cfg.GetInterval())

	store := state.NewStore(sessionID)
	hub := api.NewLiveHub()
	defer hub.Close()
	publishers := []acquisition.Publisher{hub}

	if cfg.MQTT.Broker != "" {
		pub, err := mqttpub.Connect(mqttpub.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Retained: cfg.MQTT.Retained,
		})
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
	}

	loopOpts := acquisition.Options{
		Source:       src,
		Store:        store,
		Recorder:     database,
		Publishers:   publishers,
		Clock:        timeutil.RealClock{},
		Interval:     cfg.GetInterval(),
		ParseOptions: nmea.ParseOptions{VerifyChecksum: cfg.VerifyChecksum},
	}
	if cfg.Source.Mode == config.SourceSerial || *devMode {
		// a silent receiver must not hold the loop past its cadence
		loopOpts.ReadTimeout = cfg.GetInterval()
	}
	loop, err := acquisition.New(loopOpts)
	if err != nil {
		log.Fatalf("Failed to create acquisition loop: %v", err)
	}

	// Create a wait group for the HTTP server, serial monitor, pruning and acquisition routines
	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := receiver.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
		log.Print("acquisition routine terminated")
	}()

	if retention := cfg.GetRetention(); retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(pruneEvery)
			defer ticker.Stop()
			for {
				if n, err := database.Prune(ctx, time.Now().Add(-retention)); err != nil {
					log.Printf("failed to prune history: %v", err)
				} else if n > 0 {
					log.Printf("pruned %d cycles older than %s", n, retention)
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(store, database, api.Options{
			Config:       cfg,
			HistoryLimit: cfg.HistoryLimit,
			Hub:          hub,
		}).ServeMux()

		receiver.AttachAdminRoutes(mux)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.Listen,
			Handler: api.LoggingMiddleware(api.CORSMiddleware(mux)),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// the websocket clients hold their connections open; drop them first
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
