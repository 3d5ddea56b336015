// Package server provides a read-only REST API over an archive
// database. It exposes document histories, blob content, container
// membership, and hierarchy walks for reporting and audit tools.
package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/annex/archive"
)

// RESTServer holds the configuration for an annex REST API server.
//
// Set the public fields and then call Run. Run will listen on the given
// port and handle requests until Stop is called. Do not change any
// fields after calling Run.
type RESTServer struct {
	// Port number to listen on. Defaults to 15000.
	PortNumber string
	PProfPort  string

	// Archive is the archive to serve. Run will panic if it is nil.
	Archive *archive.Archive

	// Stats receives request counters and timings. If nil, counters
	// are published through expvar only.
	Stats stats.Client

	server httpdown.Server // used to close our listening socket
}

// Run starts the server. It blocks, listening for and handling http
// requests, until Stop is called.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting Annex Server version %s", Version)

	if s.Archive == nil {
		panic("No archive given. Archive is nil.")
	}
	if s.Stats == nil {
		s.Stats = expvarStats{}
	}
	if s.PortNumber == "" {
		s.PortNumber = "15000"
	}

	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop shuts down the listening socket and returns once in-flight
// requests have finished.
func (s *RESTServer) Stop() error {
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/document/:id", s.DocumentHandler},
		{"GET", "/document/:id/version/:num", s.VersionHandler},
		{"GET", "/blob/:id", s.BlobHandler},
		{"HEAD", "/blob/:id", s.BlobHandler},
		{"GET", "/blob/:id/fixity", s.FixityHandler},
		{"GET", "/container/:id", s.ContainerHandler},
		{"GET", "/container/:id/tree", s.TreeHandler},

		// other
		{"GET", "/", WelcomeHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			s.logWrapper(route.handler))
	}
	return r
}

// logWrapper takes a handler and returns a handler which does the same
// thing, after first logging the request URL and bumping counters.
func (s *RESTServer) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		s.Stats.BumpSum("request.count", 1)
		end := s.Stats.BumpTime("request.time")
		handler(w, r, ps)
		end.End()
	}
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// raise500 logs the error, sends it to sentry, and responds with a 500.
func raise500(w http.ResponseWriter, err error) {
	log.Println("Server Error:", err)
	raven.CaptureError(err, nil)
	w.WriteHeader(500)
	fmt.Fprintln(w, err.Error())
}

// expvarStats implements stats.Client on top of expvar, so counters
// show up on /debug/vars without any external collector.
type expvarStats struct{}

var (
	statCounts = expvar.NewMap("counts")
	statTimes  = expvar.NewMap("times")
)

func (expvarStats) BumpAvg(key string, val float64)       { statCounts.AddFloat(key+".avg", val) }
func (expvarStats) BumpSum(key string, val float64)       { statCounts.AddFloat(key, val) }
func (expvarStats) BumpHistogram(key string, val float64) { statCounts.AddFloat(key+".hist", val) }

func (expvarStats) BumpTime(key string) interface {
	End()
} {
	return expvarTimer{key: key, start: time.Now()}
}

type expvarTimer struct {
	key   string
	start time.Time
}

func (t expvarTimer) End() {
	statTimes.AddFloat(t.key, time.Since(t.start).Seconds())
}
