// Command coreosd opens an existing filesystem image and swap image,
// wires up the buffer cache, free-block map, and page-fault/frame-table
// subsystems against them, and serves their runtime counters over HTTP
// for Prometheus to scrape.
//
// Flag handling follows calvinalkan-agent-task's pflag style; the listen
// loop and its diagnostic logging follow biscuit's own plain log.Printf
// convention rather than introducing a structured logger this repo's
// retrieved corpus doesn't otherwise use.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	flag "github.com/spf13/pflag"

	"coreos/cache"
	"coreos/device"
	"coreos/fault"
	"coreos/freemap"
	"coreos/metrics"
	"coreos/swap"
)

const coreosdHelp = `Usage: coreosd --fs-image <path> --swap-image <path> [options]

Mount a formatted filesystem image and swap image and serve their
buffer-cache, frame-table, and swap occupancy counters over HTTP.

Options:
  --fs-image     Filesystem image path (required)
  --swap-image   Swap image path (required)
  --listen       HTTP listen address [default: :9400]
  --frames       Physical-frame pool size [default: 256]
  --cache-size   Buffer cache entry count [default: 64]`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			fmt.Println(coreosdHelp)
			return 0
		}
	}

	fs := flag.NewFlagSet("coreosd", flag.ContinueOnError)
	fsImage := fs.String("fs-image", "", "filesystem image path")
	swapImage := fs.String("swap-image", "", "swap image path")
	listen := fs.String("listen", ":9400", "HTTP listen address")
	nframes := fs.Int("frames", 256, "physical-frame pool size")
	cacheSize := fs.Int("cache-size", cache.NCache, "buffer cache entry count")
	if err := fs.Parse(args); err != nil {
		log.Printf("coreosd: %v", err)
		return 1
	}
	if *fsImage == "" || *swapImage == "" {
		log.Printf("coreosd: --fs-image and --swap-image are required")
		return 1
	}

	fsDisk, err := device.Open(*fsImage, device.RoleFilesystem)
	if err != nil {
		log.Printf("coreosd: open filesystem image: %v", err)
		return 1
	}
	defer fsDisk.Close()

	c, err := cache.New(fsDisk, *cacheSize)
	if err != nil {
		log.Printf("coreosd: %v", err)
		return 1
	}
	defer c.Close()

	if _, err := freemap.Open(c, fsDisk.SectorCount()); err != nil {
		log.Printf("coreosd: open free-block map: %v", err)
		return 1
	}

	swapDisk, err := device.Open(*swapImage, device.RoleSwap)
	if err != nil {
		log.Printf("coreosd: open swap image: %v", err)
		return 1
	}
	defer swapDisk.Close()
	swapMap := swap.New(swapDisk)

	sys := fault.NewSystem(*nframes, swapMap)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCacheCollector(c),
		metrics.NewFrameCollector(sys.Frames()),
		metrics.NewSwapCollector(swapMap),
		version.NewCollector("coreosd"),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, version.Print("coreosd"))
	})

	log.Printf("coreosd: serving metrics for %s (%d sectors) and %s on %s",
		*fsImage, fsDisk.SectorCount(), *swapImage, *listen)
	if err := http.ListenAndServe(*listen, mux); err != nil {
		log.Printf("coreosd: %v", err)
		return 1
	}
	return 0
}
