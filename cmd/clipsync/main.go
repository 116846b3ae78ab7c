// clipsync — CLI entry point.
//
// This tool keeps the clipboards of several machines in sync over plain TCP.
// One process runs as the hub and accepts connections; every other process
// runs as a peer connected to it. Text and images copied on any machine are
// replicated to all others.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the hub and peer subcommands.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/clipsync/internal/app"
	"github.com/1ureka/clipsync/internal/clipboard"
	"github.com/1ureka/clipsync/internal/config"
	"github.com/1ureka/clipsync/internal/protocol"
	"github.com/1ureka/clipsync/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
	debug      bool
	logLevel   string
	clipboard  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "clipsync",
		Short: "Keep clipboards in sync across machines",
		Long: `clipsync replicates text and images between the clipboards of
several machines. Run one hub, then point every other machine at it:

  clipsync hub
  clipsync peer 192.168.1.10

Run without a subcommand for interactive prompts.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a TOML config file")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error, off")
	flags.StringVar(&opts.clipboard, "clipboard", clipboard.BackendSystem, "Clipboard backend: system or memory")

	root.AddCommand(hubCmd(opts), peerCmd(opts), versionCmd())
	return root
}

// load builds the configuration: defaults, then the config file, then flags.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if cmd.Flags().Changed("clipboard") {
		cfg.Clipboard = o.clipboard
	}

	if err := util.SetLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	if o.debug {
		util.EnableDebug()
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func hubCmd(opts *options) *cobra.Command {
	var listen, wsAddr string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Accept peers and sync with all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			cfg.Role = config.RoleHub
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("websocket") {
				cfg.WebSocketAddr = wsAddr
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", config.Default().ListenAddr, "TCP address to accept peers on")
	cmd.Flags().StringVar(&wsAddr, "websocket", "", "HTTP address serving /ws and /metrics (disabled when empty)")
	return cmd
}

func peerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peer [host [port] | ws://host:port/ws]",
		Short: "Connect to a hub and sync with it",
		Long: `Connect once to a hub. The hub address comes from the arguments or,
when none are given, from the "hub" key of the config file. The port
defaults to ` + strconv.Itoa(protocol.DefaultPort) + `. There is no reconnect: when the connection
drops, the process exits.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			cfg.Role = config.RolePeer
			if len(args) > 0 {
				if cfg.PeerAddr, err = peerAddress(args); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clipsync %s\n", version)
		},
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// run validates cfg, opens the clipboard and blocks in the selected role.
func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		util.LogWarning("%s", w)
	}

	pterm.Info.Println(fmt.Sprintf("clipsync — v%s", version))
	pterm.Println()

	clip, err := clipboard.Open(cfg.Clipboard)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, clip)
	if err != nil {
		return err
	}

	switch cfg.Role {
	case config.RoleHub:
		err = a.RunHub(ctx)
	case config.RolePeer:
		err = a.RunPeer(ctx)
	}
	if err != nil {
		return err
	}

	util.LogInfo("clipsync stopped")
	return nil
}

// runInteractive asks for the role and hub address when no subcommand is
// given.
func runInteractive(ctx context.Context, cfg config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Hub  — Accept peers on this machine", "Peer — Connect to a hub"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Hub") {
		cfg.Role = config.RoleHub
	} else {
		host := askHost()
		port := askPort(fmt.Sprintf("Hub port (1 ~ 65535, usually %d)", protocol.DefaultPort))
		cfg.Role = config.RolePeer
		cfg.PeerAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	return run(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// peerAddress turns the peer arguments into a dialable address.
func peerAddress(args []string) (string, error) {
	if len(args) == 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return "", fmt.Errorf("invalid port %q: must be 1~65535", args[1])
		}
		return net.JoinHostPort(args[0], args[1]), nil
	}

	addr := strings.TrimSpace(args[0])
	if config.IsWebSocketURL(addr) {
		return addr, nil
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	return net.JoinHostPort(addr, strconv.Itoa(protocol.DefaultPort)), nil
}

// askHost prompts the user for the hub host until a non-empty one is entered.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Hub host (e.g. 192.168.1.10)").
			Show()

		host := strings.TrimSpace(raw)
		if host != "" {
			pterm.Println()
			return host
		}

		util.LogWarning("invalid input: host must not be empty")
		pterm.Println()
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
