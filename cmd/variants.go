package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"tradebot-core/internal/strategy"
)

var variantsAddr string

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "Inspect or serve the built-in strategy variants",
}

var variantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in variants and their categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		set := strategy.DefaultVariants()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tCATEGORY")
		for _, name := range set.Names() {
			v, _ := set.Lookup(name)
			fmt.Fprintf(w, "%s\t%s\n", name, v.Category())
		}
		return w.Flush()
	},
}

var variantsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the built-in variants over gRPC for remote hosts",
	Example: `  tradebot variants serve --addr :9090
  REMOTE_VARIANT_ADDR=localhost:9090 tradebot serve`,
	RunE: runVariantsServe,
}

func init() {
	rootCmd.AddCommand(variantsCmd)
	variantsCmd.AddCommand(variantsListCmd, variantsServeCmd)

	variantsServeCmd.Flags().StringVar(&variantsAddr, "addr", ":9090", "listen address")
}

func runVariantsServe(cmd *cobra.Command, args []string) error {
	lis, err := net.Listen("tcp", variantsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", variantsAddr, err)
	}

	srv := grpc.NewServer()
	strategy.RegisterSignalServer(srv, strategy.NewSignalServer(strategy.DefaultVariants()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.WithField("addr", lis.Addr().String()).Info("variant server listening")
	return srv.Serve(lis)
}
