package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/frpbridge/pkg/client"
)

func apiClient(g *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout})
}

func withTimeout(g *GlobalFlags) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.APITimeout)
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the supervised frp process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).Start(ctx); err != nil {
				return err
			}
			fmt.Println("started")
			return nil
		},
	}
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervised frp process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).Stop(ctx); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func createRestartCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the supervised frp process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).Restart(ctx); err != nil {
				return err
			}
			fmt.Println("restarted")
			return nil
		},
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervised process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			st, err := apiClient(g).Status(ctx)
			if err != nil {
				return err
			}
			if st.Running {
				fmt.Printf("running pid=%d uptime=%s\n", st.PID, st.Uptime)
			} else {
				fmt.Println("stopped")
			}
			return nil
		},
	}
}

func createProxyCommand(g *GlobalFlags, pf *ProxyFlags) *cobra.Command {
	proxy := &cobra.Command{
		Use:   "proxy",
		Short: "Manage proxy entries",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Add a proxy entry and regenerate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			err := apiClient(g).AddProxy(ctx, client.ProxyEntry{
				Name:       pf.Name,
				Kind:       pf.Kind,
				LocalIP:    pf.LocalIP,
				LocalPort:  pf.LocalPort,
				RemotePort: pf.RemotePort,
				Subdomain:  pf.Subdomain,
				SecretKey:  pf.SecretKey,
			})
			if err != nil {
				return err
			}
			fmt.Printf("proxy %s added\n", pf.Name)
			return nil
		},
	}
	add.Flags().StringVar(&pf.Name, "name", "", "proxy name (required)")
	add.Flags().StringVar(&pf.Kind, "type", "tcp", "proxy type: tcp, udp, http, https, stcp, xtcp")
	add.Flags().StringVar(&pf.LocalIP, "local-ip", "127.0.0.1", "local service address")
	add.Flags().IntVar(&pf.LocalPort, "local-port", 0, "local service port")
	add.Flags().IntVar(&pf.RemotePort, "remote-port", 0, "remote port (tcp/udp)")
	add.Flags().StringVar(&pf.Subdomain, "subdomain", "", "subdomain (http/https)")
	add.Flags().StringVar(&pf.SecretKey, "secret-key", "", "secret key (stcp/xtcp)")
	_ = add.MarkFlagRequired("name")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a proxy entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).RemoveProxy(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("proxy %s removed\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured proxy entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			entries, err := apiClient(g).Proxies(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%-20s %-6s local=%s:%d remote=%d\n",
					e.Name, e.Kind, e.LocalIP, e.LocalPort, e.RemotePort)
			}
			return nil
		},
	}

	proxy.AddCommand(add, remove, list)
	return proxy
}

func createConfigCommand(g *GlobalFlags) *cobra.Command {
	config := &cobra.Command{
		Use:   "config",
		Short: "Manage the generated frp configuration",
	}

	var restart bool
	apply := &cobra.Command{
		Use:   "apply <file>",
		Short: "Replace the operator config block from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).ApplyRawConfig(ctx, string(content), restart); err != nil {
				return err
			}
			fmt.Println("config applied")
			return nil
		},
	}
	apply.Flags().BoolVar(&restart, "restart", false, "restart the frp process after applying")

	regenerate := &cobra.Command{
		Use:   "regenerate",
		Short: "Rewrite the generated config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			res, err := apiClient(g).Execute(ctx, "config.regenerate", map[string]bool{"force": true})
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return err
			}
			var out struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(res.Result, &out)
			fmt.Printf("config written to %s\n", out.Path)
			return nil
		},
	}

	config.AddCommand(apply, regenerate)
	return config
}

func createNodesCommand(g *GlobalFlags) *cobra.Command {
	var page, pageSize int
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			res, err := apiClient(g).Nodes(ctx, page, pageSize)
			if err != nil {
				return err
			}
			for _, n := range res.Nodes {
				state := "offline"
				if n.Online {
					state = "online"
				}
				fmt.Printf("%-24s %-8s last-seen=%s\n", n.ID, state, n.LastSeen.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("%d nodes (page %d)\n", res.Total, res.Page)
			return nil
		},
	}
	nodes.Flags().IntVar(&page, "page", 1, "page number")
	nodes.Flags().IntVar(&pageSize, "page-size", 20, "page size")
	return nodes
}

func createInstallCommand(g *GlobalFlags) *cobra.Command {
	install := &cobra.Command{
		Use:   "install",
		Short: "Download and install the frp binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			if err := apiClient(g).Install(ctx); err != nil {
				return err
			}
			fmt.Println("install started; watch the event stream for progress")
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether an frp update is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(g)
			defer cancel()
			res, err := apiClient(g).CheckInstall(ctx)
			if err != nil {
				return err
			}
			cur := res.CurrentVersion
			if cur == "" {
				cur = "none"
			}
			fmt.Printf("installed: %s\nlatest:    %s\n", cur, res.LatestVersion)
			if res.UpdateAvailable {
				fmt.Println("update available")
			} else {
				fmt.Println("up to date")
			}
			return nil
		},
	}

	install.AddCommand(check)
	return install
}
