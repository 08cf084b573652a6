package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List group rides visible on the LAN",
	RunE:  listSessions,
}

func init() {
	sessionsCmd.Flags().Duration("wait", 5*time.Second, "How long to listen for announcements")
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	eng, err := setupEngine(cfg, nil, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	sessions, err := eng.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tHOST\tRIDERS")
	for _, s := range sessions {
		riders := "-"
		if len(s.Members) > 0 {
			riders = fmt.Sprint(len(s.Members))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.HostName, riders)
	}
	return w.Flush()
}
