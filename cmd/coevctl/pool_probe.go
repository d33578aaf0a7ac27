package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtaci/coev"
)

func newPoolProbeCmd() *cobra.Command {
	var host string
	var port int
	var capacity int
	var busyWait time.Duration
	var holders int
	var holdFor time.Duration

	cmd := &cobra.Command{
		Use:   "pool-probe",
		Short: "Exercise a ConnectionPool's capacity/exhaustion behavior against one endpoint and print timing",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := coev.New()
			if err != nil {
				return err
			}

			ep := coev.ParseEndpoint(host, port)
			pool := coev.NewConnectionPool(rt, capacity, busyWait, 5*time.Second, 5*time.Second, 64*1024, ep)

			start := time.Now()
			results := make(chan string, holders)

			for i := 0; i < holders; i++ {
				idx := i
				rt.SpawnNamed(fmt.Sprintf("probe-%d", idx), func(rt *coev.Runtime, _ any) error {
					h, err := pool.Get()
					elapsed := time.Since(start)
					if err != nil {
						results <- fmt.Sprintf("probe-%d: error after %s: %v", idx, elapsed, err)
						return nil
					}
					results <- fmt.Sprintf("probe-%d: acquired after %s", idx, elapsed)
					if err := rt.Sleep(holdFor); err != nil {
						h.MarkDead()
					}
					h.Release()
					return nil
				}, nil)
			}

			if err := rt.RunUntilIdle(); err != nil {
				return err
			}
			close(results)
			for line := range results {
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "probe target host")
	cmd.Flags().IntVar(&port, "port", 5432, "probe target port")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "pool capacity")
	cmd.Flags().DurationVar(&busyWait, "busy-wait", 50*time.Millisecond, "cumulative wait budget before TooManyConnections")
	cmd.Flags().IntVar(&holders, "holders", 2, "number of coroutines contending for the pool")
	cmd.Flags().DurationVar(&holdFor, "hold-for", 200*time.Millisecond, "how long each successful holder keeps its connection")
	return cmd
}
