package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtaci/coev"
)

func newStatsCmd() *cobra.Command {
	var duration time.Duration
	var spawn int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run an idle scheduler with N dummy coroutines for duration and print Runtime.Stats as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := coev.New()
			if err != nil {
				return err
			}

			for i := 0; i < spawn; i++ {
				rt.Spawn(func(rt *coev.Runtime, _ any) error {
					return rt.Sleep(duration)
				}, nil)
			}

			if err := rt.RunUntilIdle(); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rt.Stats())
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", time.Second, "how long each dummy coroutine sleeps")
	cmd.Flags().IntVar(&spawn, "spawn", 8, "number of dummy coroutines to spawn before measuring")
	return cmd
}
