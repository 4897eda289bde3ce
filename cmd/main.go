package main

import (
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/silverfern/zeroconf"
)

const listenerTimeout = 3 * time.Second

var defaultHostname, _ = os.Hostname()

var (
	browse = flag.Bool("b", false, "Browse for services")
	name   = flag.String("p", "", "Publish a service with the given instance name.")

	typeStr = flag.String("type", "_zeroconf-go._tcp.local.", "The service type.")

	server = flag.String("server", defaultHostname+".local.", "Override hostname for the service.")
	port   = flag.Int("port", 42424, "Override the port for the service.")
	addrs  = flag.String("addrs", "", "IP addrs for the service (comma-separated).")

	network = flag.String("net", "udp", "Change the network to use ipv4 or ipv6 only.")
	text    = flag.String("text", "", "Properties for the service (comma-separated key=value).")
	ttl     = flag.Int("ttl", 0, "Override record TTLs, in seconds.")
	rename  = flag.Bool("rename", false, "Pick a new name on conflict instead of failing.")

	verbose = flag.Bool("v", false, "Verbose mode, with debug output.")
)

type printListener struct{}

func (printListener) ServiceAdded(e *zeroconf.Engine, ty, name string) {
	log.Printf("[+] %v", name)
	info := &zeroconf.ServiceInfo{Type: ty, Name: name}
	if err := info.Request(e, listenerTimeout); err == nil {
		log.Printf("    %v", info)
	}
}

func (printListener) ServiceRemoved(e *zeroconf.Engine, ty, name string) {
	log.Printf("[-] %v", name)
}

func (printListener) ServiceUpdated(e *zeroconf.Engine, ty, name string) {
	log.Printf("[~] %v", name)
}

func main() {
	log.SetFlags(log.Ltime)
	flag.Parse()

	if *verbose {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		slog.SetDefault(slog.New(h))
	}

	engine, err := zeroconf.New().
		Logger(slog.Default()).
		Network(*network).
		Open()
	if err != nil {
		log.Fatalln("failed opening engine:", err)
	}

	if *name != "" {
		info := zeroconf.NewServiceInfo(*typeStr, *name, *server, uint16(*port))
		for _, addr := range split(*addrs) {
			info.Addresses = append(info.Addresses, netip.MustParseAddr(addr))
		}
		if len(*text) > 0 {
			info.Properties = make(map[string][]byte)
			for _, kv := range split(*text) {
				k, v, found := strings.Cut(kv, "=")
				if found {
					info.Properties[k] = []byte(v)
				} else {
					info.Properties[k] = nil
				}
			}
		}
		opts := &zeroconf.RegisterOptions{AllowNameChange: *rename, TTL: uint32(*ttl)}
		if err := engine.RegisterService(info, opts); err != nil {
			log.Fatalln("failed publishing:", err)
		}
		log.Printf("publishing %v", info)
	}

	var browser *zeroconf.Browser
	if *browse {
		browser, err = engine.Browse(*typeStr, printListener{})
		if err != nil {
			log.Fatalln("failed browsing:", err)
		}
		log.Printf("browsing for [%v]", *typeStr)
	}
	if !*browse && *name == "" {
		log.Fatalln("either -p <name> (publish) or -b (browse) must be provided (see -help)")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if browser != nil {
		browser.Cancel()
	}
	if err := engine.Close(); err != nil {
		log.Fatalln("failed closing engine:", err)
	}
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
