package main

import (
	"fmt"
	"os"

	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queueser"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state <file>",
	Short: "Decode and print a serialized queue state",
	Args:  cobra.ExactArgs(1),
	RunE:  runState,
}

func runState(cmd *cobra.Command, args []string) error {
	log, err := logger(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := queueser.Decode(f)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "max size:   %d\n", st.MaxSize)
	fmt.Fprintf(w, "size:       %d\n", st.Size)
	fmt.Fprintf(w, "ready:      %t\n", st.Ready)
	fmt.Fprintf(w, "event idx:  %t\n", st.EventIdxEnabled)
	fmt.Fprintf(w, "next avail: %d\n", st.NextAvail)
	fmt.Fprintf(w, "next used:  %d\n", st.NextUsed)
	fmt.Fprintf(w, "desc table: %s\n", memory.GuestAddress(st.DescTable))
	fmt.Fprintf(w, "avail ring: %s\n", memory.GuestAddress(st.AvailRing))
	fmt.Fprintf(w, "used ring:  %s\n", memory.GuestAddress(st.UsedRing))

	if _, err := st.Queue(nil); err != nil {
		log.Warn("state cannot be restored", "file", args[0], "error", err)
	}

	return nil
}
