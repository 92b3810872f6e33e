// Program nfcscan is a terminal front end for an NFC reader bridge: it arms
// tag-discovery sessions, summarizes captured payloads, keeps a bounded scan
// history in a preferences database, archives raw payloads, and optionally
// publishes captures over MQTT.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"nfcscan/archive"
	"nfcscan/config"
	"nfcscan/prefstore"
	"nfcscan/publish"
	"nfcscan/radio"
	"nfcscan/scanlog"
	"nfcscan/session"
	"nfcscan/ui"
)

const version = "1.2.0"

// demoPayload is the tag the simulator delivers in demo mode.
const demoPayload = `{"id":"04a2b91c","ndef":{"cachedMessage":{"records":[{"payload":[2,101,110,72,101,108,108,111,32,102,114,111,109,32,100,101,109,111]}]}},"nfca":{"atqa":[0,68]}}`

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	headless := flag.Bool("headless", false, "run without the terminal dashboard")
	demo := flag.Bool("demo", false, "use the built-in reader simulator")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nfcscan %s\n", version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Config: %v", err)
		}
		cfg = loaded
	}

	fanout, err := setupLogging(cfg.Logging, os.Stderr)
	if err != nil {
		log.Printf("Logging: file sink disabled: %v", err)
	}
	log.SetOutput(fanout)
	log.SetFlags(0)
	defer fanout.Close()

	log.Printf("nfcscan %s starting", version)
	cfg.Print()

	store, err := prefstore.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Storage: %v", err)
	}
	defer store.Close()

	history := scanlog.NewStore(store)
	entries, err := history.Load()
	if err != nil {
		log.Fatalf("Storage: load scan history: %v", err)
	}
	log.Printf("Storage: loaded %d history entries", len(entries))

	rdo, cleanup := buildRadio(cfg, *demo)
	defer cleanup()

	sess := session.New(rdo, history)

	var arch *archive.Store
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.Archive.Path, archive.Options{})
		if err != nil {
			log.Fatalf("Archive: %v", err)
		}
		defer arch.Close()
		sess.SetArchiver(arch)
		log.Printf("Archive: %d payloads stored", arch.Count())
		go retentionLoop(arch, cfg.Archive.RetentionDays)
	}

	if cfg.MQTT.Enabled {
		pub := publish.NewClient(cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.Topic)
		if err := pub.Connect(); err != nil {
			// The publisher reconnects on its own; a cold broker only delays it.
			log.Printf("MQTT: %v", err)
		}
		defer pub.Close()
		sess.SetPublisher(pub)
	}

	interactive := !*headless && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		runDashboard(sess, fanout)
	} else {
		runHeadless(sess)
	}

	sess.Teardown()
	log.Printf("nfcscan stopped")
}

// buildRadio selects the reader implementation. The cleanup func is safe to
// call even when connect failed.
func buildRadio(cfg *config.Config, demo bool) (radio.Radio, func()) {
	if demo {
		sim := radio.NewSim(true)
		sim.AutoDeliver([]byte(demoPayload), 2*time.Second)
		log.Printf("Reader: using simulator (demo mode)")
		return sim, func() {}
	}
	bridge := radio.NewBridge(cfg.Reader.Host, cfg.Reader.Port, cfg.Reader.Name)
	if err := bridge.Connect(); err != nil {
		// The supervisor keeps retrying; availability stays false until then.
		log.Printf("Reader: %v", err)
	}
	return bridge, bridge.Close
}

func runDashboard(sess *session.Session, fanout *logFanout) {
	dash := ui.NewDashboard(nil)
	dash.WaitReady()

	// The dashboard owns the terminal now; keep log lines off the console.
	fanout.SetConsoleSink(nil, false)
	defer fanout.SetConsoleSink(os.Stderr, true)

	sess.SetOnChange(dash.SetSnapshot)
	sess.SetOnNotice(dash.ShowNotice)
	dash.SetOnToggle(sess.Toggle)

	done := make(chan struct{})
	dash.SetOnQuit(func() { close(done) })

	sess.CheckAvailability()
	dash.SetSnapshot(sess.Snapshot())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-done:
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	}
	dash.Stop()
}

// runHeadless drives the session without a UI: availability is re-probed
// periodically and every snapshot change is logged. Scans are toggled with
// SIGUSR1.
func runHeadless(sess *session.Session) {
	sess.SetOnChange(func(snap session.Snapshot) {
		log.Printf("Session: %s | %s | %d entries", snap.State, snap.Status, len(snap.Entries))
	})
	sess.SetOnNotice(func(msg string) {
		log.Printf("Session: %s", msg)
	})
	sess.CheckAvailability()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	probe := time.NewTicker(30 * time.Second)
	defer probe.Stop()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				sess.Toggle()
				continue
			}
			log.Printf("Received %v, shutting down", sig)
			return
		case <-probe.C:
			if sess.State() == session.StateUnavailable {
				sess.CheckAvailability()
			}
		}
	}
}

// retentionLoop purges archived payloads past the retention window, once at
// startup and then twice a day.
func retentionLoop(arch *archive.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	purge := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		removed, err := arch.PurgeOlderThan(cutoff)
		if err != nil {
			log.Printf("Archive: purge: %v", err)
			return
		}
		if removed > 0 {
			log.Printf("Archive: purged %d payloads older than %s", removed, cutoff.Format("2006-01-02"))
		}
	}
	purge()
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		purge()
	}
}
