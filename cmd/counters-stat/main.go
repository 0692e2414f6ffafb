package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/shmcounters/internal/counters"
	"github.com/23skdu/shmcounters/internal/shm"
)

var (
	segmentPath = flag.String("path", "", "Segment file (defaults to COUNTERS_SEGMENT_PATH or the default segment)")
	format      = flag.String("format", "table", "Output format: 'table', 'json' or 'yaml'")
	typeFilter  = flag.Int("type", -1, "Only show counters of this type id (-1 for all)")
	watch       = flag.Duration("watch", 0, "Repeat every interval until interrupted (0 prints once)")
)

// snapshot is one rendering of the segment.
type snapshot struct {
	Segment  string          `json:"segment" yaml:"segment"`
	OwnerPID int             `json:"owner_pid" yaml:"owner_pid"`
	Started  time.Time       `json:"started" yaml:"started"`
	Capacity int             `json:"capacity" yaml:"capacity"`
	Counters []counters.Info `json:"counters" yaml:"counters"`
}

func main() {
	flag.Parse()

	path := *segmentPath
	if path == "" {
		path = os.Getenv("COUNTERS_SEGMENT_PATH")
	}
	if path == "" {
		path = shm.DefaultPath("default")
	}

	seg, err := shm.Open(path, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open segment: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = seg.Close() }()

	reader, err := counters.NewReader(seg.Values(), seg.Metadata())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read segment: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loop(ctx, os.Stdout, seg, reader, *format, int32(*typeFilter), *watch); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loop(ctx context.Context, w io.Writer, seg *shm.Segment, reader *counters.Reader, format string, typeID int32, interval time.Duration) error {
	for {
		snap := collect(seg, reader, typeID)
		if err := render(w, format, snap); err != nil {
			return err
		}
		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		if format == "table" {
			_, _ = fmt.Fprintln(w)
		}
	}
}

func collect(seg *shm.Segment, reader *counters.Reader, typeID int32) snapshot {
	snap := snapshot{
		Segment:  seg.Path(),
		OwnerPID: seg.OwnerPID(),
		Started:  seg.StartTime(),
		Capacity: reader.Capacity(),
		Counters: []counters.Info{},
	}
	reader.ForEach(func(info counters.Info) bool {
		if typeID < 0 || info.TypeID == typeID {
			snap.Counters = append(snap.Counters, info)
		}
		return true
	})
	return snap
}

func render(w io.Writer, format string, snap snapshot) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		return renderTable(w, snap)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderTable(w io.Writer, snap snapshot) error {
	_, _ = fmt.Fprintf(w, "%s pid=%d started=%s counters=%d/%d\n",
		snap.Segment, snap.OwnerPID, snap.Started.Format(time.RFC3339), len(snap.Counters), snap.Capacity)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tREGISTRATION\tOWNER\tVALUE\tKEY\tLABEL\t")
	for _, c := range snap.Counters {
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t%s\t\n",
			c.ID, c.TypeID, c.RegistrationID, c.OwnerID, c.Value, hex.EncodeToString(c.Key), c.Label)
	}
	return tw.Flush()
}
