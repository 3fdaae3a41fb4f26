// Package main provides the entry point for the sdn-trust reputation node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-trust/internal/api"
	"github.com/spacedatanetwork/sdn-trust/internal/config"
	"github.com/spacedatanetwork/sdn-trust/internal/node"
	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
)

var log = logging.Logger("sdn-trust")

var rootCmd = &cobra.Command{
	Use:   "sdn-trust",
	Short: "Web-of-trust reputation node",
	Long: `sdn-trust stores signed ratings and identity verifications, builds a trust graph from
the local root, resolves identities and publishes a content-addressed index that trusted
peers consume.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the trust node",
	Long:  `Start the trust node: the libp2p host, the index engine and the HTTP API.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and node key",
	RunE:  runInit,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print the node key ID, generating a key if none exists",
	RunE:  runKeygen,
}

var (
	configPath  string
	listenAddr  string
	apiAddr     string
	debug       bool
	forceKeygen bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override libp2p listen address")
	daemonCmd.Flags().StringVar(&apiAddr, "api", "", "override HTTP API listen address")
	keygenCmd.Flags().BoolVar(&forceKeygen, "force", false, "replace an existing key")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openService opens the node's stores for a one-shot command. The daemon must not be running,
// since the block store is held open exclusively.
func openService(ctx context.Context) (*config.Config, *reputation.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	key, err := node.LoadOrCreateKey(node.KeyPath(cfg.Storage.Path))
	if err != nil {
		return nil, nil, err
	}
	svc, err := reputation.Open(ctx, cfg, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open node: %w", err)
	}
	return cfg, svc, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}
	if apiAddr != "" {
		cfg.API.ListenAddr = apiAddr
	}

	key, err := node.LoadOrCreateKey(node.KeyPath(cfg.Storage.Path))
	if err != nil {
		return err
	}
	svc, err := reputation.Open(ctx, cfg, key)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	defer svc.Close()
	log.Infof("Key ID: %s", svc.KeyID())
	log.Infof("Trust root: %s", svc.Root())

	var n *node.Node
	if cfg.Mode != "offline" {
		n, err = node.New(ctx, cfg, key, svc)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		log.Info("Starting trust node...")
		if err := n.Start(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start node: %w", err)
		}
		for _, addr := range n.ListenAddrs() {
			log.Infof("Listening on: %s/p2p/%s", addr, n.PeerID())
		}
	} else {
		log.Info("Running in offline mode")
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.ListenAddr, svc)
		if err := server.Start(); err != nil {
			if n != nil {
				n.Stop()
			}
			return fmt.Errorf("failed to start HTTP API: %w", err)
		}
	}

	runErr := svc.Run(ctx)
	if runErr == nil {
		// Run returns at once when indexing and syncing are both disabled.
		<-ctx.Done()
	}

	log.Info("Shutting down...")
	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Warnf("HTTP API shutdown error: %v", err)
		}
	}
	if n != nil {
		if err := n.Stop(); err != nil {
			log.Warnf("Node shutdown error: %v", err)
		}
	}
	return runErr
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized sdn-trust configuration at %s", path)

	key, err := node.LoadOrCreateKey(node.KeyPath(cfg.Storage.Path))
	if err != nil {
		return err
	}
	return printKeyID(cmd, key)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := node.KeyPath(cfg.Storage.Path)
	var key crypto.PrivKey
	if forceKeygen {
		key, err = node.GenerateKey(path)
	} else {
		key, err = node.LoadOrCreateKey(path)
	}
	if err != nil {
		return err
	}
	return printKeyID(cmd, key)
}

func printKeyID(cmd *cobra.Command, key crypto.PrivKey) error {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
