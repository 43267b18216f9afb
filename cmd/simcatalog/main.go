// Command simcatalog lists the trajectories present in a local cache
// directory by reading each one's info sidecar and binary table of contents.
package main

import (
	"flag"
	"fmt"
	"os"

	"simularium/broker/internal/config"
)

func main() {
	root := flag.String("dir", "", "cache directory to scan")
	tocCapacity := flag.Uint("toc-capacity", config.DefaultTOCCapacity, "TOC capacity used when the caches were built")
	flag.Parse()

	if *root == "" {
		fmt.Fprintln(os.Stderr, "dir flag is required")
		os.Exit(1)
	}

	entries, err := List(*root, uint32(*tocCapacity))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Render as indented JSON so callers can pipe the catalog elsewhere.
	data, err := MarshalEntries(entries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	fmt.Println(string(data))
}
