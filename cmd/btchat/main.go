// Command btchat is a terminal peer-to-peer chat over Bluetooth RFCOMM.
//
// Prerequisites (bluez transport)
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - RegisterProfile usually needs root: run with `sudo` if needed.
// - Pairing is handled by an Agent registered outside this program (e.g. bluetoothctl).
//
// Modes
// 1) Scan for peers advertising the chat services:
//     btchat -mode=scan -timeout=15s
// 2) Listen and wait for a peer to connect:
//     sudo btchat -mode=listen
// 3) Connect to a peer (keeps listening if the connect fails):
//     sudo btchat -mode=connect -device 00:11:22:33:44:55 [-insecure]
//
// While running, every stdin line is sent to the peer. Lines starting with
// '/' are commands: /start, /stop, /connect <address> [insecure], /status, /quit.
//
// Without a radio, use two terminals on one machine:
//     btchat -transport=tcp -mode=listen
//     BTCHAT_TRANSPORT_TCP_SECURE=:7422 BTCHAT_TRANSPORT_TCP_INSECURE=:7423 \
//         btchat -transport=tcp -mode=connect -device 127.0.0.1:7322
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/chat"
	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default ./btchat.yaml if present)")
	mode := flag.String("mode", "listen", "mode: scan|listen|connect")
	device := flag.String("device", "", "Peer address to connect (connect mode)")
	insecure := flag.Bool("insecure", false, "Use the insecure service record when connecting")
	transport := flag.String("transport", "", "Override transport kind: bluez|tcp")
	logLevel := flag.String("log-level", "", "Override log level")
	timeout := flag.Duration("timeout", 15*time.Second, "scan duration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatal(err)
	}
	logger, closer, err := config.NewLogger(cfg.Log)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}
	defer closer.Close()

	ids, err := cfg.ServiceIDs()
	if err != nil {
		logger.Fatal(err)
	}
	tr := cfg.NewTransport(ids)
	defer func() {
		if err := tr.Close(); err != nil {
			logger.WithError(err).Warn("close transport")
		}
	}()

	// Ctrl-C cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch strings.ToLower(*mode) {
	case "scan":
		runScan(ctx, tr, ids, *timeout, logger)
	case "listen", "connect":
		a, err := chat.New(tr, ids, chat.WithLogger(logger))
		if err != nil {
			logger.Fatal(err)
		}
		defer a.Close()
		a.Start()
		if strings.EqualFold(*mode, "connect") {
			if err := a.Connect(*device, securityMode(*insecure)); err != nil {
				logger.Fatal(err)
			}
		}
		runChat(ctx, a, os.Stdin, os.Stdout)
	default:
		logger.Fatalf("unknown mode: %s", *mode)
	}
}

func securityMode(insecure bool) connmgr.SecurityMode {
	if insecure {
		return connmgr.Insecure
	}
	return connmgr.Secure
}

func runScan(ctx context.Context, tr connmgr.Transport, ids []connmgr.ServiceID, d time.Duration, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	devs, err := tr.Scan(ctx, ids)
	if err != nil {
		logger.Fatalf("scan: %v", err)
	}
	if len(devs) == 0 {
		fmt.Println("no chat peers found")
		return
	}
	for i, dev := range devs {
		fmt.Printf("[%d] %s MAC=%s Path=%s\n", i, dev.DisplayName(), dev.MAC, dev.Path)
	}
}

// runChat prints status and transcript changes and feeds stdin lines to the
// Arbiter until ctx ends, stdin closes, or /quit.
func runChat(ctx context.Context, a *chat.Arbiter, in io.Reader, out io.Writer) {
	log := a.ChatLog()
	changes, unwatch := log.Watch()
	defer unwatch()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	status := ""
	seen := 0
	flush := func() {
		if s := log.StatusText(); s != status {
			status = s
			fmt.Fprintf(out, "-- %s\n", s)
		}
		for _, e := range log.Since(seen) {
			fmt.Fprintf(out, "%s: %s\n", e.Sender, e.Text)
			seen++
		}
	}
	flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			flush()
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(a, line, out) {
				return
			}
		}
	}
}

// handleLine runs a command or sends text. It returns false on /quit.
func handleLine(a *chat.Arbiter, line string, out io.Writer) bool {
	if !strings.HasPrefix(line, "/") {
		if line != "" {
			a.Write([]byte(line))
		}
		return true
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false
	case "/start":
		a.Start()
	case "/stop":
		a.Stop()
	case "/status":
		fmt.Fprintf(out, "-- %s\n", a.ChatLog().StatusText())
	case "/connect":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /connect <address> [insecure]")
			return true
		}
		mode := connmgr.Secure
		if len(fields) > 2 {
			m, err := connmgr.ParseSecurityMode(fields[2])
			if err != nil {
				fmt.Fprintln(out, err)
				return true
			}
			mode = m
		}
		if err := a.Connect(fields[1], mode); err != nil {
			fmt.Fprintln(out, err)
		}
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return true
}
