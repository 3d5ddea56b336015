// annexd is the archive REST server. Configuration is taken from an
// optional TOML file, with command line flags overriding it.
//
//	annexd -config-file annexd.toml
//	annexd -port 15000 -mysql "user:pass@tcp(localhost)/annex?parseTime=true"
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/annex/archive"
	"github.com/ndlib/annex/server"
)

type annexdConfig struct {
	Port      string
	PProfPort string
	Mysql     string
	QlPath    string
	ChunkSize int
	SentryDSN string `toml:"sentry_dsn"`
}

func main() {
	var (
		configFile = flag.String("config-file", "", "TOML configuration file")
		port       = flag.String("port", "", "Port number to listen on")
		pprofPort  = flag.String("pprof-port", "", "Port for the pprof server, empty disables it")
		mysql      = flag.String("mysql", "", "Dial command for MySQL, e.g. user:pass@tcp(localhost)/annex?parseTime=true")
		qlPath     = flag.String("ql", "", "Path for the embedded database. The value \"memory\" keeps it in memory only")
		sentryDSN  = flag.String("sentry-dsn", "", "DSN for sending errors to Sentry")
	)
	flag.Parse()

	var config annexdConfig
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &config); err != nil {
			log.Println("Error reading config file:", err)
			os.Exit(1)
		}
	}
	// flags win over the config file
	if *port != "" {
		config.Port = *port
	}
	if *pprofPort != "" {
		config.PProfPort = *pprofPort
	}
	if *mysql != "" {
		config.Mysql = *mysql
	}
	if *qlPath != "" {
		config.QlPath = *qlPath
	}
	if *sentryDSN != "" {
		config.SentryDSN = *sentryDSN
	}

	if config.SentryDSN != "" {
		setupSentry(config.SentryDSN)
	}

	params := archive.Params{ChunkSize: config.ChunkSize}
	switch {
	case config.Mysql != "":
		log.Println("Using MySQL")
		params.Driver = "mysql"
		params.DSN = config.Mysql
	case config.QlPath == "" || config.QlPath == "memory":
		log.Println("Using in-memory database. Data is lost on exit")
		params.Driver = "ql-mem"
		params.DSN = "annex"
	default:
		log.Println("Using internal database at", config.QlPath)
		params.Driver = "ql"
		params.DSN = config.QlPath
	}
	a, err := archive.New(params)
	if err != nil {
		log.Println("Error opening archive:", err)
		raven.CaptureErrorAndWait(err, nil)
		os.Exit(1)
	}

	s := &server.RESTServer{
		PortNumber: config.Port,
		PProfPort:  config.PProfPort,
		Archive:    a,
	}

	// handle ctrl-c and term signals gracefully
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		n := <-sig
		log.Println("Received signal", n)
		s.Stop()
	}()

	err = s.Run()
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
	}
	archive.ForgetPools()
}

// setupSentry points raven at our DSN, pinning the root certificates so
// reporting works on hosts with a stale CA bundle.
func setupSentry(dsn string) {
	if err := raven.SetDSN(dsn); err != nil {
		log.Println("Error configuring sentry:", err)
		return
	}
	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		log.Println("Error loading root CAs:", err)
		return
	}
	raven.DefaultClient.Transport = &raven.HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: rootCAs},
			},
		},
	}
}
