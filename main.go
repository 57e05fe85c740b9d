package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sconf"
)

var version = "(devel)"

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cratereg_panic_total",
		Help: "Number of unhandled panics, by server.",
	},
	[]string{
		"server",
	},
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cratereg_request_duration_seconds",
		Help:    "HTTP requests with operation, response code, and duration until response status code is written, in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 30, 120},
	},
	[]string{
		"method", // http method
		"op",     // operation
		"code",   // http response code
	},
)

var metricPublish = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cratereg_publish_total",
		Help: "Number of crate publishes, by result.",
	},
	[]string{
		"result",
	},
)

var metricDownload = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "cratereg_download_total",
		Help: "Number of crate downloads.",
	},
)

// State for a serving registry root. Set up in serve(), used by the
// handlers in registry.go.
var (
	rootDir    string
	crateIndex *index
	toolchains *toolchainStore
	database   *bstore.DB // Crate catalog and download counters, may be nil in tools.
)

var configFile string
var config struct {
	CommitterName   string `sconf:"optional" sconf-doc:"Author/committer name on index commits."`
	CommitterEmail  string `sconf:"optional" sconf-doc:"Author/committer email address on index commits."`
	SpillSize       int64  `sconf:"optional" sconf-doc:"Crates larger than this many bytes are spooled to disk instead of memory during publish."`
	MaxMetadataSize int64  `sconf:"optional" sconf-doc:"Maximum size in bytes of the metadata JSON in a publish request."`
	MaxCrateSize    int64  `sconf:"optional" sconf-doc:"Maximum size in bytes of a published crate file. 0 is no limit; crates.io uses about 10MB."`
}

func setConfigDefaults() {
	if config.CommitterName == "" {
		config.CommitterName = "crates-registry"
	}
	if config.CommitterEmail == "" {
		config.CommitterEmail = "crates@registry.local"
	}
	if config.SpillSize == 0 {
		config.SpillSize = 16 * 1024 * 1024
	}
	if config.MaxMetadataSize == 0 {
		config.MaxMetadataSize = 16 * 1024 * 1024
	}
}

func xparseConfig() {
	if configFile != "" {
		if err := sconf.ParseFile(configFile, &config); err != nil {
			log.Fatalf("%v", err)
		}
	}
	setConfigDefaults()
}

// Prints requests and responses.
var debugFlag bool

func main() {
	log.SetFlags(0)
	flag.Usage = func() {
		log.Println("usage: cratereg serve -root-registry dir [-addr host:port] [-server-addr host:port]")
		log.Println("       cratereg pack -pack-file file [-rust-versions v,...] [-platforms t,...]")
		log.Println("       cratereg unpack -packed-file file -root-registry dir")
		log.Println("       cratereg platformslist [-source url]")
		log.Println("       cratereg describe >cratereg.conf")
		log.Println("       cratereg testconfig cratereg.conf")
		log.Println("       cratereg version")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.StringVar(&configFile, "config", "", "path to configuration file, optional")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing HTTP requests and responses")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}

	// Honor RUST_LOG for familiarity with the tooling this replaces; the
	// -debug flag does the same.
	if lvl := os.Getenv("RUST_LOG"); strings.HasPrefix(lvl, "debug") || strings.HasPrefix(lvl, "trace") {
		debugFlag = true
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "serve":
		xparseConfig()
		serve(args)
	case "pack":
		xparseConfig()
		if err := packCmd(args); err != nil {
			log.Fatalf("pack: %v", err)
		}
	case "unpack":
		xparseConfig()
		if err := unpackCmd(args); err != nil {
			log.Fatalf("unpack: %v", err)
		}
	case "platformslist":
		xparseConfig()
		if err := platformsListCmd(args); err != nil {
			log.Fatalf("platformslist: %v", err)
		}
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		setConfigDefaults()
		if err := sconf.Describe(os.Stdout, config); err != nil {
			log.Fatalf("describing config: %v", err)
		}
	case "testconfig":
		if len(args) != 1 {
			flag.Usage()
		}
		configFile = args[0]
		xparseConfig()
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

func logCheck(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Printf("%s: %s", fmt.Sprintf(format, args...), err)
}

// openRegistry initializes the global registry state for root: the blob
// and toolchain trees, the git index (created on first use), and the
// catalog database.
func openRegistry(root, baseURL string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating registry root: %v", err)
	}
	rootDir = root
	toolchains = &toolchainStore{root: root}

	idx, err := openIndex(filepath.Join(root, "index"), baseURL, config.CommitterName, config.CommitterEmail)
	if err != nil {
		return fmt.Errorf("opening index: %v", err)
	}
	crateIndex = idx

	db, err := openStatsDB(root)
	if err != nil {
		return fmt.Errorf("opening catalog database: %v", err)
	}
	database = db
	return nil
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var root, addr, serverAddr, adminAddr string
	var port int
	fs.StringVar(&root, "root-registry", "", "registry root directory, created if missing")
	fs.StringVar(&addr, "addr", "0.0.0.0:5000", "address to listen on")
	fs.StringVar(&serverAddr, "server-addr", "127.0.0.1:5000", "externally visible address, written into the index config.json")
	fs.IntVar(&port, "port", 0, "if set, overrides the port of both -addr and -server-addr")
	fs.StringVar(&adminAddr, "adminaddr", "", "if set, address to serve prometheus metrics on")
	fs.Parse(args)
	if fs.NArg() != 0 || root == "" {
		flag.Usage()
	}

	if port != 0 {
		addr = setPort(addr, port)
		serverAddr = setPort(serverAddr, port)
	}
	if !strings.Contains(serverAddr, ":") {
		_, p, err := net.SplitHostPort(addr)
		if err == nil {
			serverAddr = net.JoinHostPort(serverAddr, p)
		}
	}

	if err := openRegistry(root, "http://"+serverAddr); err != nil {
		log.Fatalf("opening registry: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", registry{})

	if adminAddr != "" {
		adminmux := http.NewServeMux()
		adminmux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Fatalln(http.ListenAndServe(adminAddr, adminmux))
		}()
	}

	log.Printf("cratereg %s, serving registry %s on %s as http://%s", version, root, addr, serverAddr)
	log.Fatalln(http.ListenAndServe(addr, mux))
}

// setPort replaces the port of a host[:port] address.
func setPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// For checking errors when writing HTTP responses: a client that went
// away mid-transfer is routine, other write errors are worth logging.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
