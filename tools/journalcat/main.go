// Command journalcat prints a recorded session journal in readable form:
// the manifest, the lifecycle events, and optionally every replicated frame.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"kingdomcleanup/netcode/internal/journal"
	"kingdomcleanup/netcode/internal/protocol"
)

func main() {
	var (
		showFrames = flag.Bool("frames", false, "print every replicated message")
		typeFilter = flag.String("type", "", "only print frames of this message type")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: journalcat [flags] <journal-dir>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *showFrames, protocol.Type(*typeFilter)); err != nil {
		fmt.Fprintf(os.Stderr, "journalcat: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, showFrames bool, typeFilter protocol.Type) error {
	j, err := journal.Open(dir)
	if err != nil {
		return err
	}
	m := j.Manifest
	fmt.Printf("session   %s\n", m.SessionID)
	fmt.Printf("lobby     %s\n", m.LobbyCode)
	fmt.Printf("started   %s\n", m.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if !m.ClosedAt.IsZero() {
		fmt.Printf("closed    %s (%s)\n", m.ClosedAt.Format("2006-01-02 15:04:05 MST"), m.ClosedAt.Sub(m.StartedAt).Round(time.Second))
	}
	fmt.Printf("events    %d\nframes    %d\n\n", m.EventCount, m.FrameCount)

	if err := j.Events(func(event journal.Event) error {
		fmt.Printf("%s  %-16s %v\n", event.Timestamp.Format("15:04:05.000"), event.Kind, event.Detail)
		return nil
	}); err != nil {
		return err
	}

	if !showFrames {
		return nil
	}
	fmt.Println()
	return j.Frames(func(msg protocol.Message) error {
		if typeFilter != "" && msg.Type != typeFilter {
			return nil
		}
		raw, err := msg.Marshal()
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", raw)
		return nil
	})
}
