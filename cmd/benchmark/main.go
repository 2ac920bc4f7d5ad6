package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/intellect4all/flashfs/common/benchmark"
	"github.com/intellect4all/flashfs/flash"
	"github.com/intellect4all/flashfs/fs"
)

// Measures write/read latency and device-level write amplification of the
// filesystem core over a RAM flash device.
func main() {
	files := flag.Int("files", 32, "Number of files to create")
	writes := flag.Int("writes", 256, "Stream writes per file")
	chunk := flag.Int("chunk", 64, "Bytes per stream write")
	flag.Parse()

	cfg := fs.DefaultConfig()
	dev := flash.NewMemDevice(cfg.Device)

	fsys, err := fs.New(dev, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		os.Exit(1)
	}
	if err := fsys.Mount(true); err != nil {
		fmt.Fprintf(os.Stderr, "mount: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("flashfs benchmark")
	fmt.Println("=================")
	fmt.Printf("files: %d, writes/file: %d, chunk: %d bytes\n\n", *files, *writes, *chunk)

	writeHist := benchmark.NewLatencyHistogram()
	readHist := benchmark.NewLatencyHistogram()
	payload := make([]byte, *chunk)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	var root fs.Node
	userBytes := int64(0)
	start := time.Now()

	for f := 0; f < *files; f++ {
		if err := fsys.FetchRoot(&root); err != nil {
			fatal(err)
		}
		node := root
		if err := fsys.NewFile(&node, fmt.Sprintf("bench-%04d", f)); err != nil {
			fatal(err)
		}

		var stream fs.Stream
		if err := fsys.OpenStream(&node, &stream); err != nil {
			fatal(err)
		}
		for w := 0; w < *writes; w++ {
			t0 := time.Now()
			if _, err := stream.Write(payload); err != nil {
				fatal(err)
			}
			writeHist.Record(time.Since(t0))
			userBytes += int64(len(payload))
		}
		if err := fsys.CloseStream(&stream); err != nil {
			fatal(err)
		}

		if err := fsys.OpenStream(&node, &stream); err != nil {
			fatal(err)
		}
		buf := make([]byte, *chunk)
		for w := 0; w < *writes; w++ {
			t0 := time.Now()
			if _, err := stream.Read(buf); err != nil {
				fatal(err)
			}
			readHist.Record(time.Since(t0))
		}
		if err := fsys.CloseStream(&stream); err != nil {
			fatal(err)
		}
	}

	elapsed := time.Since(start)
	stats := fsys.Stats()
	pageBytes := int64(cfg.Device.PageSize)

	fmt.Printf("elapsed: %v\n\n", elapsed)
	printStats("write", writeHist.Stats())
	printStats("read", readHist.Stats())

	fmt.Println("\ndevice traffic:")
	fmt.Printf("  user bytes written:   %d\n", userBytes)
	fmt.Printf("  device pages written: %d (%d bytes)\n", stats.PageWrites, stats.PageWrites*pageBytes)
	if userBytes > 0 {
		fmt.Printf("  write amplification:  %.2fx\n", float64(stats.PageWrites*pageBytes)/float64(userBytes))
	}
	fmt.Printf("  gc runs:              %d\n", stats.GCRuns)
	fmt.Printf("  spare blocks:         %d / %d\n", stats.SpareBlocks, stats.DeviceBlocks)
}

func printStats(name string, s benchmark.LatencyStats) {
	fmt.Printf("%s latency: min %v, p50 %v, p95 %v, p99 %v, max %v\n",
		name, s.Min, s.P50, s.P95, s.P99, s.Max)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "benchmark failed: %v\n", err)
	os.Exit(1)
}
