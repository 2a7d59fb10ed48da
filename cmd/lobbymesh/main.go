// Command lobbymesh runs a peer-to-peer mesh VPN node: it discovers other
// members of the same lobby over mDNS, negotiates a virtual IP address
// with them with no coordinator, and bridges IP traffic between a local
// TUN device and the mesh.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openbmx/lobbymesh/internal/config"
	"github.com/openbmx/lobbymesh/pkg/bridge"
	"github.com/openbmx/lobbymesh/pkg/lobby"
	"github.com/openbmx/lobbymesh/pkg/pump"
	"github.com/openbmx/lobbymesh/pkg/transport"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "lobbymesh",
		Short:   "Peer-to-peer mesh VPN over a local lobby",
		Version: version,
	}
	root.AddCommand(newStartCmd(), newInitConfigCmd(), newRotateSaltCmd())
	return root
}

func newInitConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := config.SaveConfig(out, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "lobbymesh.json", "path to write the config file")
	return cmd
}

func newRotateSaltCmd() *cobra.Command {
	var cfgPath, newSalt string
	cmd := &cobra.Command{
		Use:   "rotate-salt",
		Short: "Rotate the deployment salt in a config file (must be applied to every peer together)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newSalt == "" {
				return fmt.Errorf("--salt is required")
			}
			return config.UpdateSalt(cfgPath, newSalt)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "lobbymesh.json", "config file to update")
	cmd.Flags().StringVar(&newSalt, "salt", "", "new app secret salt")
	cmd.MarkFlagRequired("salt")
	return cmd
}

func newStartCmd() *cobra.Command {
	var cfgPath, tunHint, deviceName string
	var conflictChecks bool
	var routesEvery time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Join the lobby and bridge the local TUN device into the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if deviceName != "" {
				cfg.DeviceName = deviceName
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return run(cfg, tunHint, conflictChecks, routesEvery)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "lobbymesh.json", "config file path")
	cmd.Flags().StringVar(&tunHint, "tun", "", "TUN device name hint (empty = kernel-assigned)")
	cmd.Flags().StringVar(&deviceName, "name", "", "display name announced to peers (overrides config)")
	cmd.Flags().BoolVar(&conflictChecks, "packet-conflict-checks", false, "cross-check inbound packet source addresses against the heartbeat table")
	cmd.Flags().DurationVar(&routesEvery, "print-routes-interval", 30*time.Second, "how often to log the routing table snapshot (0 disables)")
	return cmd
}

func run(cfg *config.Config, tunHint string, conflictChecks bool, routesEvery time.Duration) error {
	mgr := transport.NewManager(cfg.P2PPort, cfg.StunServer)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer mgr.Stop()
	cfg.P2PPort = mgr.LocalPort()

	lob := lobby.New(cfg.LobbyServiceName, cfg.PeerID, cfg.DeviceName, cfg.P2PPort)

	br, err := bridge.New(cfg, cfg.PeerID, mgr, lob.Directory(), lob.Members)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	br.EnablePacketConflictChecks = conflictChecks

	p := pump.New(mgr, br)

	lob.OnJoin(func(m lobby.Member) {
		if err := mgr.RegisterPeer(m.Peer, m.Addr, ""); err != nil {
			fmt.Fprintf(os.Stderr, "lobbymesh: register peer %d: %v\n", m.Peer, err)
			return
		}
		br.OnPeerJoined(m.Peer)
	})
	lob.OnLeave(func(peer uint64) {
		mgr.RemoveMember(peer)
		br.OnPeerLeft(peer)
	})

	if err := lob.Start(5 * time.Second); err != nil {
		return fmt.Errorf("start lobby: %w", err)
	}
	defer lob.Stop()

	if err := br.Start(tunHint); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	defer br.Stop()

	p.Start(lob.Members, func(peer uint64) {
		if m, ok := lob.MemberByPeer(peer); ok {
			_ = mgr.RegisterPeer(peer, m.Addr, "")
		}
	})
	defer p.Stop()

	fmt.Printf("lobbymesh: joined %q as peer %d, tun=%s\n", cfg.LobbyServiceName, cfg.PeerID, br.DeviceName())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var routeTicker <-chan time.Time
	if routesEvery > 0 {
		t := time.NewTicker(routesEvery)
		defer t.Stop()
		routeTicker = t.C
	}

	for {
		select {
		case <-stop:
			fmt.Println("lobbymesh: shutting down")
			return nil
		case <-routeTicker:
			printRoutes(br)
		}
	}
}

func printRoutes(br *bridge.Bridge) {
	stats := br.Statistics()
	fmt.Printf("lobbymesh: local=%s sent=%d recv=%d dropped=%d routes=%d\n",
		fmtIP(br.LocalIP()), stats.PacketsSent, stats.PacketsReceived, stats.PacketsDropped, len(br.RoutingTableSnapshot()))
}

func fmtIP(ip uint32) string {
	if ip == 0 {
		return "(negotiating)"
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
