package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rxledger/internal/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().Bool("connect", false, "connect the configured wallet at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if connect, _ := cmd.Flags().GetBool("connect"); connect {
		identity, err := a.wallet.Connect(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("wallet ready", zap.String("address", identity.Address))
	}

	if a.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(a.flow, a.wallet, a.store, api.Options{
		RPCURL:          a.cfg.RPCURL,
		ContractAddress: a.cfg.ContractAddress,
		ExplorerURL:     a.cfg.ExplorerURL,
		Location:        a.loc,
	}, a.logger)
	return srv.Run(ctx, a.cfg.Listen)
}
