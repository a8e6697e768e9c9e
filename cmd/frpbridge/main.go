package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ProxyFlags holds flags for the proxy subcommands.
type ProxyFlags struct {
	Name       string
	Kind       string
	LocalIP    string
	LocalPort  int
	RemotePort int
	Subdomain  string
	SecretKey  string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	proxyFlags := &ProxyFlags{}

	root := &cobra.Command{
		Use:   "frpbridge",
		Short: "Supervise and configure an frp server or client",
		Long: `frpbridge generates frp configuration, supervises the frps/frpc child
process and exposes an HTTP API with a live event stream.

Examples:
  frpbridge serve --config bridge.toml
  frpbridge start
  frpbridge proxy add --name web --type tcp --local-port 3000 --remote-port 6000
  frpbridge status --api-url=http://remote:7400`,
	}

	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML settings file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "http://127.0.0.1:7400", "bridge daemon API base URL")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createStatusCommand(globalFlags),
		createProxyCommand(globalFlags, proxyFlags),
		createConfigCommand(globalFlags),
		createNodesCommand(globalFlags),
		createInstallCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the frpbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
