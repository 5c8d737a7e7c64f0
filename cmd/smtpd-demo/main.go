// smtpd-demo is a small, complete embedding example for
// blitiri.com.ar/go/smtpd: it parses a handful of flags, wires a
// maildir-backed MessageHandlerFactory and an optional userdb-backed
// AuthenticationHandlerFactory, and runs the server until killed.
//
// It is not meant to be a production MTA; it has no queueing, relaying, or
// per-domain configuration.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtpd"
	"blitiri.com.ar/go/smtpd/internal/systemd"
	"blitiri.com.ar/go/smtpd/smtpd/config"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `smtpd-demo: an embeddable SMTP server, demonstrated.

Usage:
  smtpd-demo [--hostname=<host>] [--addr=<addr>] [--port=<port>]
             [--maildir=<dir>] [--userdb=<file>] [--cert=<dir>]
             [--max-size=<bytes>] [--require-tls] [--require-auth]
             [--metrics=<addr>]
  smtpd-demo -h | --help
  smtpd-demo --version

Options:
  --hostname=<host>   Hostname to announce in greetings, EHLO, and Received
                       headers. [default: localhost]
  --addr=<addr>        Address to bind to. [default: 0.0.0.0]
  --port=<port>        Port to listen on; 0 picks an ephemeral one.
                        [default: 2525]
  --maildir=<dir>      Maildir to deliver accepted messages into.
                        [default: ./Maildir]
  --userdb=<file>      Optional user database file
                        enabling AUTH PLAIN/LOGIN. Omit to run without AUTH.
  --cert=<dir>         Directory containing fullchain.pem and privkey.pem,
                        enabling STARTTLS. Omit to run without TLS.
  --max-size=<bytes>   Maximum accepted message size in bytes; 0 means
                        unlimited. [default: 0]
  --require-tls        Refuse mail commands until STARTTLS has completed.
  --require-auth       Refuse mail commands until AUTH has completed.
  --metrics=<addr>     Address to serve Prometheus metrics on (e.g.
                        ":9090"). Omit to disable metrics.
`

func main() {
	args, err := docopt.Parse(usage, nil, true, "smtpd-demo 1.0", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Init()

	port, err := strconv.Atoi(args["--port"].(string))
	if err != nil {
		log.Fatalf("invalid --port: %v", err)
	}
	maxSize, err := strconv.ParseInt(args["--max-size"].(string), 10, 64)
	if err != nil {
		log.Fatalf("invalid --max-size: %v", err)
	}

	maildirPath := args["--maildir"].(string)
	factory, err := newMaildirFactory(maildirPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Infof("delivering accepted mail to %s", maildirPath)

	opts := []smtpd.Option{
		smtpd.WithHostName(args["--hostname"].(string)),
		smtpd.WithAddr(args["--addr"].(string), port),
		smtpd.WithMaxMessageSize(maxSize),
		smtpd.WithMessageHandlerFactory(factory),
	}

	if args["--require-tls"].(bool) {
		opts = append(opts, smtpd.WithRequireTLS())
	}
	if args["--require-auth"].(bool) {
		opts = append(opts, smtpd.WithRequireAuth())
	}

	if certDir, ok := args["--cert"].(string); ok && certDir != "" {
		tlsConf, err := buildTLSConfig(certDir)
		if err != nil {
			log.Fatalf("loading certificates from %q: %v", certDir, err)
		}
		opts = append(opts, smtpd.WithTLSConfig(tlsConf))
		log.Infof("STARTTLS enabled using certificates from %s", certDir)
	}

	if userdbPath, ok := args["--userdb"].(string); ok && userdbPath != "" {
		udb, err := config.LoadUserDB(userdbPath)
		if err != nil {
			log.Fatalf("loading user database %q: %v", userdbPath, err)
		}
		opts = append(opts, smtpd.WithAuthenticationHandlerFactory(
			udb.AuthenticationHandlerFactory()))
		log.Infof("AUTH enabled using user database %s", userdbPath)
	}

	if metricsAddr, ok := args["--metrics"].(string); ok && metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, smtpd.WithMetrics(reg))
		go serveMetrics(metricsAddr, reg)
	}

	srv := smtpd.New(smtpd.NewOptions(opts...))

	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("getting systemd listeners: %v", err)
	}
	usedSystemd := false
	for name, ls := range systemdLs {
		for _, l := range ls {
			log.Infof("using systemd-provided listener %q (%s)", name, l.Addr())
			srv.Serve(l)
			usedSystemd = true
		}
	}

	if !usedSystemd {
		if err := srv.Start(); err != nil {
			log.Fatalf("starting server: %v", err)
		}
		log.Infof("listening on %s:%d", args["--addr"].(string),
			srv.AllocatedPort())
	}

	waitForSignal()
	log.Infof("shutting down")
	srv.Stop()
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Errorf("metrics server exited: %v", http.ListenAndServe(addr, mux))
}
