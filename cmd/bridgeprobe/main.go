// Command bridgeprobe connects to an NFC reader bridge and dumps the line
// protocol to stdout. It is a standalone debugging utility: it can probe
// availability, arm a poll, and print every TAG line the bridge emits, without
// starting the full daemon.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ziutek/telnet"

	"nfcscan/radio"
)

func main() {
	host := flag.String("host", "127.0.0.1", "bridge host")
	port := flag.Int("port", 7373, "bridge port")
	poll := flag.Bool("poll", false, "arm a poll after the availability probe")
	modes := flag.String("modes", "ISO14443,ISO18092", "comma-separated polling modes for -poll")
	timeout := flag.Duration("timeout", 10*time.Second, "dial timeout")
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	conn, err := telnet.DialTimeout("tcp", addr, *timeout)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", addr)

	send := func(cmd string) {
		if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
			log.Fatalf("send %q: %v", cmd, err)
		}
		fmt.Printf("%s >> %s\n", time.Now().UTC().Format("15:04:05.000"), cmd)
	}

	send("AVAIL")
	if *poll {
		for _, m := range strings.Split(*modes, ",") {
			mode := radio.PollingMode(strings.TrimSpace(m))
			if mode != radio.PollingISO14443 && mode != radio.PollingISO18092 {
				log.Fatalf("unknown polling mode %q", m)
			}
		}
		send("POLL " + *modes)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if *poll {
			send("HALT")
		}
		conn.Close()
	}()

	for {
		line, err := conn.ReadString('\n')
		if err != nil {
			log.Printf("read: %v", err)
			return
		}
		fmt.Printf("%s << %s\n", time.Now().UTC().Format("15:04:05.000"), strings.TrimRight(line, "\r\n"))
	}
}
