package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/output"
	"github.com/PentesterFlow/OpenGateway/pkg/gateway"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	storePath  string
	verbose    bool
	debug      bool
	pretty     bool

	// Serve flags
	listenAddr     string
	environment    string
	seedFile       string
	rateLimit      int
	burstSize      int
	noRateLimit    bool
	cacheTTL       time.Duration
	noCache        bool
	forwardTimeout time.Duration
	adminPrefix    string

	// Discover flags
	threshold        float64
	targetBaseURL    string
	externalEndpoint string
	noExternal       bool
	promote          bool
	outputFormat     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opengateway",
		Short: "OpenGateway - API mapping gateway",
		Long: `OpenGateway - An API gateway that maps legacy endpoints onto new backends.

Discovers endpoint and schema mappings between two OpenAPI descriptions, and
serves curated mappings with rate limiting, response caching and payload
transformation between JSON, XML and form encodings.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Run the gateway until interrupted. Mappings are loaded from the store, the config file and the seed file.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	// Discover command
	discoverCmd := &cobra.Command{
		Use:   "discover [source] [target]",
		Short: "Discover mappings between two API descriptions",
		Long:  "Match a source OpenAPI description against a target one and report endpoint and schema mappings with confidence.",
		Args:  cobra.ExactArgs(2),
		RunE:  runDiscover,
	}

	// Mappings commands
	mappingsCmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage stored mappings",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored mappings",
		Args:  cobra.NoArgs,
		RunE:  runMappingsList,
	}
	addCmd := &cobra.Command{
		Use:   "add [file]",
		Short: "Add mappings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runMappingsAdd,
	}
	deleteCmd := &cobra.Command{
		Use:   "delete [method] [endpoint]",
		Short: "Delete a stored mapping",
		Args:  cobra.ExactArgs(2),
		RunE:  runMappingsDelete,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Mapping store file (bbolt)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable log output")

	// Serve flags
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&environment, "env", "development", "Environment (production hides error details)")
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "YAML file of mappings to seed at boot")
	serveCmd.Flags().IntVarP(&rateLimit, "rate-limit", "r", 60, "Requests per minute per client")
	serveCmd.Flags().IntVar(&burstSize, "burst", 0, "Token bucket burst on top of the minute window (0 disables)")
	serveCmd.Flags().BoolVar(&noRateLimit, "no-rate-limit", false, "Disable rate limiting")
	serveCmd.Flags().DurationVar(&cacheTTL, "cache-ttl", 5*time.Minute, "Response cache TTL")
	serveCmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the response cache")
	serveCmd.Flags().DurationVarP(&forwardTimeout, "timeout", "t", 30*time.Second, "Backend request timeout")
	serveCmd.Flags().StringVar(&adminPrefix, "admin-prefix", "/_gateway", "Mount point of the admin API")
	serveCmd.Flags().StringVar(&externalEndpoint, "external-endpoint", "", "External analysis service endpoint")
	serveCmd.Flags().StringVar(&targetBaseURL, "target-base-url", "", "Base URL of promoted discovery candidates")

	// Discover flags
	discoverCmd.Flags().Float64Var(&threshold, "threshold", discovery.DefaultThreshold, "Confidence a mapping must exceed to become a candidate")
	discoverCmd.Flags().StringVar(&targetBaseURL, "target-base-url", "", "Base URL of the target backend")
	discoverCmd.Flags().StringVar(&externalEndpoint, "external-endpoint", "", "External analysis service endpoint")
	discoverCmd.Flags().BoolVar(&noExternal, "no-external", false, "Do not consult the external analysis service")
	discoverCmd.Flags().BoolVar(&promote, "promote", false, "Add candidates to the mapping store")
	discoverCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	// List flags
	listCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	// Add commands
	mappingsCmd.AddCommand(listCmd)
	mappingsCmd.AddCommand(addCmd)
	mappingsCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(mappingsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when given and applies the global
// flags on top.
func loadConfig(cmd *cobra.Command) (*gateway.Config, error) {
	config := gateway.DefaultConfig()
	if configFile != "" {
		fileConfig, err := gateway.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	if cmd.Flags().Changed("store") {
		config.Store.Path = storePath
	}
	if cmd.Flags().Changed("pretty") {
		config.Log.Pretty = pretty
	}
	switch {
	case debug:
		config.Log.Level = "debug"
	case verbose:
		config.Log.Level = "info"
	case cmd.Name() != "serve":
		config.Log.Level = "warn"
	}
	if cmd.Flags().Changed("target-base-url") {
		config.Discovery.TargetBaseURL = targetBaseURL
	}
	if cmd.Flags().Changed("external-endpoint") {
		config.ExternalTool.Enabled = externalEndpoint != ""
		config.ExternalTool.Endpoint = externalEndpoint
	}
	return config, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Override with command-line flags if provided
	if cmd.Flags().Changed("listen") {
		config.Server.Listen = listenAddr
	}
	if cmd.Flags().Changed("env") {
		config.Environment = environment
	}
	if cmd.Flags().Changed("seed") {
		config.SeedFile = seedFile
	}
	if cmd.Flags().Changed("rate-limit") {
		config.RateLimit.Enabled = true
		config.RateLimit.RequestsPerMinute = rateLimit
	}
	if cmd.Flags().Changed("burst") {
		config.RateLimit.BurstSize = burstSize
	}
	if noRateLimit {
		config.RateLimit.Enabled = false
	}
	if cmd.Flags().Changed("cache-ttl") {
		config.Cache.Enabled = true
		config.Cache.TTL = cacheTTL
	}
	if noCache {
		config.Cache.Enabled = false
	}
	if cmd.Flags().Changed("timeout") {
		config.Forward.Timeout = forwardTimeout
	}
	if cmd.Flags().Changed("admin-prefix") {
		config.AdminPrefix = adminPrefix
	}

	g, err := gateway.New(gateway.WithConfig(config))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	printBanner(config, g.Store().Len())

	if err := g.Run(context.Background()); err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	g.Logger().Info("gateway stopped")
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("threshold") {
		config.Discovery.Threshold = threshold
	}
	if promote && config.Store.Path == "" {
		return fmt.Errorf("--promote needs a mapping store (--store or store.path)")
	}

	g, err := gateway.New(gateway.WithConfig(config))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := g.Discover(ctx, args[0], args[1], !noExternal)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if err := writeOutput(func(w output.Writer) error { return w.WriteReport(report) }); err != nil {
		return err
	}

	if promote {
		added, skipped := discovery.Promote(g.Store(), report.Candidates)
		fmt.Fprintf(os.Stderr, "Promoted %d candidates to %s\n", len(added), config.Store.Path)
		for key, reason := range skipped {
			fmt.Fprintf(os.Stderr, "  skipped %s: %s\n", key, reason)
		}
	}
	return nil
}

// openStore opens the configured store for the mappings commands.
func openStore(cmd *cobra.Command) (*mapping.Store, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if config.Store.Path == "" {
		return nil, fmt.Errorf("no mapping store configured (--store or store.path)")
	}

	backend, err := mapping.NewBoltBackend(config.Store.Path)
	if err != nil {
		return nil, err
	}
	level, _ := logger.ParseLevel(config.Log.Level)
	log := logger.New(logger.Config{Level: level, Pretty: config.Log.Pretty, Component: "cli"})
	store, err := mapping.NewStore(backend, log)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

func runMappingsList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	list := store.List()
	return writeOutput(func(w output.Writer) error { return w.WriteMappings(list) })
}

func runMappingsAdd(cmd *cobra.Command, args []string) error {
	mappings, err := mapping.LoadSeedFile(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	failed := 0
	for _, m := range mappings {
		if err := store.Add(m); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", m.Normalize().Key(), err)
			failed++
			continue
		}
		fmt.Printf("added %s\n", m.Normalize().Key())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d mappings not added", failed, len(mappings))
	}
	return nil
}

func runMappingsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	method, endpoint := strings.ToUpper(args[0]), args[1]
	if err := store.Delete(endpoint, method); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", mapping.Key(method, endpoint))
	return nil
}

// writeOutput renders to stdout in the selected --output format.
func writeOutput(write func(output.Writer) error) error {
	w, err := output.NewWriter(os.Stdout, output.Config{Format: outputFormat, Pretty: true})
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		return err
	}
	return w.Flush()
}

func printBanner(config *gateway.Config, mappings int) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      OpenGateway v1.0                        ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Listen:      %s\n", config.Server.Listen)
	fmt.Printf("Admin:       %s\n", config.AdminPrefix)
	fmt.Printf("Mappings:    %d\n", mappings)
	if config.RateLimit.Enabled {
		fmt.Printf("Rate Limit:  %d req/min\n", config.RateLimit.RequestsPerMinute)
	} else {
		fmt.Println("Rate Limit:  off")
	}
	if config.Cache.Enabled {
		fmt.Printf("Cache TTL:   %v\n", config.Cache.TTL)
	} else {
		fmt.Println("Cache:       off")
	}
	fmt.Println()
}
