// Command cda runs the client device auth service core. The host
// process normally embeds the service library and wires in its own
// cloud client and RPC surface; this binary runs the core standalone
// with local state only.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/cloud"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/config"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/service"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cda",
		Short:         "Client device auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartCommand(), newVersionCommand())
	return root
}

func newStartCommand() *cobra.Command {
	var configPath string
	var dataDir string
	var debug bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onStart(cmd.Context(), configPath, dataDir, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "/var/lib/cda", "directory for runtime state")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func onStart(ctx context.Context, configPath, dataDir string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	settings := &config.Config{}
	if configPath != "" {
		var err error
		settings, err = config.Load(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	svc, err := service.New(service.Config{
		Settings:   settings,
		DataDir:    dataDir,
		CloudAPI:   offlineAPI{},
		Log:        log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := svc.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

// offlineAPI stands in for the host-provided cloud client. Every call
// fails as a connection problem, so the service runs on locally trusted
// state only.
type offlineAPI struct{}

func (offlineAPI) VerifyClientDeviceIdentity(ctx context.Context, certificatePEM []byte) (*cloud.IdentitySummary, error) {
	return nil, trace.ConnectionProblem(nil, "cloud client is not configured")
}

func (offlineAPI) VerifyClientDeviceCertificateAssociation(ctx context.Context, thingName, certificateID string) error {
	return trace.ConnectionProblem(nil, "cloud client is not configured")
}

func (offlineAPI) ListClientDevicesAssociatedWithCoreDevice(ctx context.Context, nextToken string) (*cloud.Page, error) {
	return nil, trace.ConnectionProblem(nil, "cloud client is not configured")
}
