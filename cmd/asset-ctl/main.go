package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/asset-stream-cache/internal/serve"
	"github.com/gftdcojp/asset-stream-cache/internal/viewer"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "asset-cache API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("asset-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "stats":
		cmdStats(*addr)
	case "tier":
		cmdTier(*addr)
	case "clear":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: asset-ctl clear <collection>")
			os.Exit(1)
		}
		cmdClear(*addr, args[1])
	case "fetch":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: asset-ctl fetch <collection> <key> <tier> [output]")
			os.Exit(1)
		}
		out := ""
		if len(args) > 4 {
			out = args[4]
		}
		cmdFetch(*addr, args[1], args[2], args[3], out)
	case "distance":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: asset-ctl distance <value>")
			os.Exit(1)
		}
		cmdDistance(*addr, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `asset-ctl - asset stream cache management CLI

Usage:
  asset-ctl [flags] <command> [args]

Commands:
  status                               Show overall status
  stats                                Show per-collection cache usage
  tier                                 Show displayed and target tier
  clear <collection>                   Remove every cached asset of a collection
  fetch <collection> <key> <tier> [f]  Request an asset, optionally writing it to f
  distance <value>                     Report a viewing distance
  version                              Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdStats(addr string) {
	resp, err := http.Get(addr + "/v1/stats")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	var stats viewer.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tITEMS\tUSED\tCAPACITY\tFILL")
	for _, q := range stats.Collections {
		fill := 0.0
		if q.CapacityBytes > 0 {
			fill = 100 * float64(q.UsedBytes) / float64(q.CapacityBytes)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.1f%%\n",
			q.Collection, q.ItemCount,
			humanize.IBytes(uint64(q.UsedBytes)), humanize.IBytes(uint64(q.CapacityBytes)), fill)
	}
	fmt.Fprintf(w, "total\t\t%s\t%s\t\n",
		humanize.IBytes(uint64(stats.UsedBytes)), humanize.IBytes(uint64(stats.CapacityBytes)))
	w.Flush()

	fmt.Printf("in flight: %d  degraded: %t  tier: %s\n", stats.InFlight, stats.Degraded, stats.Tier.Current)
}

func cmdTier(addr string) {
	resp, err := http.Get(addr + "/v1/tier")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdClear(addr, collection string) {
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/cache/"+collection, nil)
	if err != nil {
		fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdFetch(addr, collection, key, tier, out string) {
	resp, err := http.Get(addr + "/v1/assets/" + collection + "/" + key + "/" + tier)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}

	var dst io.Writer = io.Discard
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		dst = f
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s/%s_%s: %s (checksum %s)\n",
		collection, key, resp.Header.Get("X-Asset-Tier"),
		humanize.IBytes(uint64(n)), resp.Header.Get("X-Asset-Checksum"))
}

func cmdDistance(addr, value string) {
	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid distance %q: %w", value, err))
	}
	body, _ := json.Marshal(serve.DistanceRequest{Distance: &d})
	resp, err := http.Post(addr+"/v1/distance", "application/json", bytes.NewReader(body))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
