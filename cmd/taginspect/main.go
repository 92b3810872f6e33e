// Command taginspect parses a serialized tag payload from a file (or stdin)
// and prints its summary, technology list, and content hash. With -archive it
// lists the most recent payloads of a raw-payload archive instead. Useful for
// checking what a bridge capture will look like in the scan history.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"nfcscan/archive"
	"nfcscan/tag"
)

func main() {
	archivePath := flag.String("archive", "", "list recent payloads from this archive directory")
	count := flag.Int("n", 10, "number of archive entries to list with -archive")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: taginspect [file]\n       taginspect -archive <dir> [-n count]\n\nReads a serialized tag payload from file (or stdin) and prints\nits summary, technologies, and content hash; or lists the most\nrecent payloads of an archive.\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *archivePath != "" {
		listArchive(*archivePath, *count)
		return
	}

	var raw []byte
	var err error
	switch flag.NArg() {
	case 0:
		raw, err = io.ReadAll(os.Stdin)
	case 1:
		raw, err = os.ReadFile(flag.Arg(0))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("read payload: %v", err)
	}

	data, parseErr := tag.ParseRaw(raw)
	if parseErr != nil {
		fmt.Printf("Parse:        failed (%v)\n", parseErr)
		fmt.Printf("Summary:      %s\n", tag.Summarize(nil))
		fmt.Printf("Hash:         %016x\n", tag.Hash(raw))
		return
	}

	fmt.Printf("Summary:      %s\n", tag.Summarize(data))
	if techs := tag.Technologies(data); len(techs) > 0 {
		canonical := make([]string, 0, len(techs))
		for _, t := range techs {
			canonical = append(canonical, tag.CanonicalTech(t))
		}
		fmt.Printf("Technologies: %s\n", strings.Join(canonical, ", "))
	}
	fmt.Printf("Hash:         %016x\n", tag.Hash(raw))
	fmt.Printf("Size:         %d bytes\n", len(raw))
}

// listArchive prints the newest n archived payloads with their capture time,
// hash, and summary.
func listArchive(path string, n int) {
	store, err := archive.Open(path, archive.Options{})
	if err != nil {
		log.Fatalf("open archive: %v", err)
	}
	defer store.Close()

	records, err := store.Recent(n)
	if err != nil {
		log.Fatalf("read archive: %v", err)
	}
	fmt.Printf("%d of %d archived payloads:\n", len(records), store.Count())
	for _, rec := range records {
		summary := tag.Summarize(nil)
		if data, parseErr := tag.ParseRaw(rec.Raw); parseErr == nil {
			summary = tag.Summarize(data)
		}
		fmt.Printf("%s  %016x  %-40s %s\n",
			rec.At.Local().Format(time.RFC3339), rec.Hash, summary, humanize.Time(rec.At))
	}
}
