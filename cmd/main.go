package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/directory"
	"github.com/TONresistor/onion-relay/internal/network"
	"github.com/TONresistor/onion-relay/internal/relay"
	"github.com/TONresistor/onion-relay/internal/transport"
	"github.com/TONresistor/onion-relay/internal/user"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

const banner = `
 ▗▄▖ ▗▖  ▗▖▗▄▄▄▖ ▗▄▖ ▗▖  ▗▖    ▗▄▄▖ ▗▄▄▄▖▗▖    ▗▄▖▗▖  ▗▖
▐▌ ▐▌▐▛▚▖▐▌  █  ▐▌ ▐▌▐▛▚▖▐▌    ▐▌ ▐▌▐▌   ▐▌   ▐▌ ▐▌▝▚▞▘
▐▌ ▐▌▐▌ ▝▜▌  █  ▐▌ ▐▌▐▌ ▝▜▌    ▐▛▀▚▖▐▛▀▀▘▐▌   ▐▛▀▜▌ ▐▌
▝▚▄▞▘▐▌  ▐▌▗▄█▄▖▝▚▄▞▘▐▌  ▐▌    ▐▌ ▐▌▐▙▄▄▖▐▙▄▄▖▐▌ ▐▌ ▐▌

             Layered encryption overlay network
`

var (
	cfgFile   string
	logLevel  string
	configDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "onion-relay",
	Short: "Onion routing overlay",
	Long:  "Key directory, relays and user endpoints of a layered-encryption overlay network.",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a node directory with a fresh relay key",
	RunE:  runInit,
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the key directory",
	RunE:  runRegistry,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay",
	RunE:  runRelay,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Run a user endpoint",
	RunE:  runUser,
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Run a registry, relays and users in one process",
	RunE:  runNetwork,
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Ask a user endpoint to send a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List relays registered with the directory",
	RunE:  runNodes,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("onion-relay %s\n", version)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show relay info (public key, address)",
	RunE:  runInfo,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (.json or .toml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default ~/.onion-relay)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (default from config)")

	registryCmd.Flags().Int("port", 0, "listen port")
	registryCmd.Flags().String("db", "", "persist registrations in this bbolt file")

	relayCmd.Flags().Int("id", 0, "relay id")
	relayCmd.Flags().Int("base-port", 0, "relay base port, relay i listens on base+i")
	relayCmd.Flags().Bool("ephemeral", false, "use a fresh key instead of the configured key file")
	relayCmd.Flags().Bool("expose-private-key", false, "serve /getPrivateKey (debugging only)")

	userCmd.Flags().Int("id", 0, "user id")
	userCmd.Flags().Int("base-port", 0, "user base port, user i listens on base+i")

	networkCmd.Flags().Int("relays", 0, "number of relays")
	networkCmd.Flags().Int("users", 0, "number of users")

	sendCmd.Flags().Int("from", 1, "sending user id")
	sendCmd.Flags().Int("to", 2, "destination user id")
	sendCmd.Flags().Int("path-length", 0, "number of relays (default from config)")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(initCmd, registryCmd, relayCmd, userCmd, networkCmd, sendCmd, nodesCmd,
		versionCmd, infoCmd, configCmd)
}

func getConfigDir() string {
	if configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".onion-relay"
	}
	return filepath.Join(home, ".onion-relay")
}

func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(getConfigDir(), "config.json")
}

// loadConfig reads the config file, falling back to defaults when the
// default location has none
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err == nil {
		return cfg, nil
	}
	if cfgFile == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := getConfigDir()

	fmt.Printf("Initializing node in %s\n", dir)

	if err := config.Initialize(dir); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	fmt.Println("Node initialized.")
	fmt.Printf("  Config:      %s/config.json\n", dir)
	fmt.Printf("  Private key: %s/keys/relay.key\n", dir)
	fmt.Println("\nRun 'onion-relay registry' and then 'onion-relay relay --id 1' to start.")

	return nil
}

func runRegistry(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Registry.Port = port
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Registry.DBPath = db
	}

	server := directory.NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		return err
	}

	waitForSignal(logger)
	return server.Stop()
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Override with flags
	if id, _ := cmd.Flags().GetInt("id"); id != 0 {
		cfg.Node.ID = id
	}
	if port, _ := cmd.Flags().GetInt("base-port"); port != 0 {
		cfg.Relay.BasePort = port
	}
	if expose, _ := cmd.Flags().GetBool("expose-private-key"); expose {
		cfg.Debug.ExposePrivateKey = true
	}

	var privKey *rsa.PrivateKey
	if ephemeral, _ := cmd.Flags().GetBool("ephemeral"); ephemeral {
		_, privKey, err = crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
	} else {
		privKey, err = config.LoadKey(cfg.Keys.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load key: %w", err)
		}
	}

	book := relay.PortAddressBook{Host: cfg.Node.AdvertiseHost, BasePort: cfg.User.BasePort}
	server, err := relay.NewServer(cfg, privKey, book, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Relay.ForwardTimeout)*time.Second)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		return err
	}

	waitForSignal(logger)
	return server.Stop()
}

func runUser(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if id, _ := cmd.Flags().GetInt("id"); id != 0 {
		cfg.Node.ID = id
	}
	if port, _ := cmd.Flags().GetInt("base-port"); port != 0 {
		cfg.User.BasePort = port
	}

	server := user.NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		return err
	}

	waitForSignal(logger)
	return server.Stop()
}

func runNetwork(cmd *cobra.Command, args []string) error {
	fmt.Print(banner + "\n")
	fmt.Printf("  Version: %s\n\n", version)

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if n, _ := cmd.Flags().GetInt("relays"); n != 0 {
		cfg.Network.Relays = n
	}
	if n, _ := cmd.Flags().GetInt("users"); n != 0 {
		cfg.Network.Users = n
	}

	nw, err := network.Launch(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to launch network: %w", err)
	}

	fmt.Printf("Registry: http://%s:%d\n", cfg.Node.AdvertiseHost, nw.Registry.Port())
	for _, r := range nw.Relays {
		fmt.Printf("Relay %-3d %s\n", r.ID(), r.Address())
	}
	for _, u := range nw.Users {
		fmt.Printf("User  %-3d %s\n", u.ID(), u.Address())
	}

	waitForSignal(logger)
	return nw.Shutdown()
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	from, _ := cmd.Flags().GetInt("from")
	to, _ := cmd.Flags().GetInt("to")
	pathLength, _ := cmd.Flags().GetInt("path-length")

	addr := fmt.Sprintf("%s:%d", cfg.Node.AdvertiseHost, cfg.User.BasePort+from)
	req := transport.SendMessageRequest{
		Message:           args[0],
		DestinationUserID: to,
		PathLength:        pathLength,
	}

	client := transport.NewClient(time.Duration(cfg.Relay.ForwardTimeout) * time.Second)
	ctx := context.Background()
	if err := client.PostJSON(ctx, transport.URL(addr, "/sendMessage"), req, nil); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}

	var circuit struct {
		Result []int `json:"result"`
	}
	if err := client.GetJSON(ctx, transport.URL(addr, "/getLastCircuit"), &circuit); err != nil {
		return err
	}

	fmt.Printf("Sent from user %d to user %d via relays %v\n", from, to, circuit.Result)
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := directory.NewClient(cfg.Registry.URL, time.Duration(cfg.Relay.ForwardTimeout)*time.Second)
	nodes, err := client.Nodes(context.Background())
	if err != nil {
		return err
	}

	if len(nodes) == 0 {
		fmt.Println("No relays registered.")
		return nil
	}
	for _, n := range nodes {
		fmt.Printf("%-4d %-22s %s...\n", n.ID, n.Address, n.PubKey[:min(len(n.PubKey), 32)])
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(getConfigPath())
	if err != nil {
		return fmt.Errorf("config not found: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	privKey, err := config.LoadKey(cfg.Keys.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	pubKey, err := crypto.ExportPublicKey(&privKey.PublicKey)
	if err != nil {
		return err
	}

	fmt.Println("Onion Relay Info")
	fmt.Println("================")
	fmt.Printf("Version:  %s\n", version)
	fmt.Printf("Relay ID: %d\n", cfg.Node.ID)
	fmt.Printf("Address:  %s:%d\n", cfg.Node.AdvertiseHost, cfg.Relay.BasePort+cfg.Node.ID)
	fmt.Printf("Registry: %s\n", cfg.Registry.URL)
	fmt.Printf("PubKey:   %s\n", pubKey)

	return nil
}

// setup loads the config and builds a logger for the long-running commands
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	level := logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := createLogger(level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func waitForSignal(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
}

func createLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch strings.ToLower(level) {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
