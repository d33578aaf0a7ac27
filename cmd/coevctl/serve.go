package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtaci/coev"
	"github.com/xtaci/coev/httpgw"
)

func newServeCmd() *cobra.Command {
	var addr string
	var readLimit int
	var opTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the httpgw gateway on addr, dispatching through coev coroutines",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := coev.New()
			if err != nil {
				return err
			}
			if viper.GetBool("debug") {
				rt.SetDebug(true, coev.FlagCoroutine|coev.FlagStack)
			}

			router := chi.NewRouter()
			router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, rt.Stats())
			})

			listenFD, err := httpgw.Listen(addr)
			if err != nil {
				return err
			}
			gw := httpgw.New(rt, router, httpgw.WithReadLimit(readLimit), httpgw.WithTimeout(opTimeout))

			rt.SpawnNamed("accept-loop", func(rt *coev.Runtime, _ any) error {
				return gw.Serve(listenFD)
			}, nil)

			cmd.Printf("coevctl: serving on %s\n", addr)
			return rt.RunForever()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().IntVar(&readLimit, "read-limit", 64*1024, "per-connection read buffer cap in bytes")
	cmd.Flags().DurationVar(&opTimeout, "op-timeout", 30*time.Second, "per-operation read/write timeout")
	return cmd
}
