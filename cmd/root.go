package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/config"
	"github.com/tanq16/fetchd/internal/utils"
)

var (
	configPath    string
	savePath      string
	connections   int
	chunkSize     string
	rateLimit     string
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	storeDriver   string
	storePath     string
	storeDSN      string
	workers       int
	markdown      bool
	debug         bool

	cfg        *config.Config
	logCloser  interface{ Close() error }
	httpConfig utils.HTTPClientConfig
)

var FetchdVersion = "dev"

var rootCmd = &cobra.Command{
	Use:               "fetchd",
	Short:             "fetchd is a resumable, segmented download manager",
	Version:           FetchdVersion,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.fetchd/config.yaml)")
	flags.StringVarP(&savePath, "save-path", "d", "", "Directory downloads are saved to")
	flags.IntVarP(&connections, "connections", "c", 8, "Maximum connections per download (above 8 enables high-thread-mode)")
	flags.StringVar(&chunkSize, "chunk-size", "", "Fixed read size per block (eg. 64KB); adaptive when unset")
	flags.StringVarP(&rateLimit, "rate-limit", "r", "", "Bandwidth cap per download (eg. 2MB)")
	flags.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Connection and read timeout (eg. 5s, 10m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.DefaultUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&storeDriver, "store", "", "State store driver (bolt or postgres)")
	flags.StringVar(&storePath, "store-path", "", "Bolt database file")
	flags.StringVar(&storeDSN, "store-dsn", "", "Postgres connection string")
	flags.IntVarP(&workers, "workers", "w", 1, "Number of downloads to transfer in parallel")
	flags.BoolVar(&markdown, "markdown", false, "Render tables as markdown")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newActiveCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// setup layers defaults, the config file, .env, FETCHD_* variables and finally
// explicitly set flags.
func setup(cmd *cobra.Command, args []string) error {
	closer, err := utils.InitLogger(debug, "")
	if err != nil {
		return err
	}
	logCloser = closer
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Warn().Str("op", "cmd/setup").Err(err).Msg("failed to read .env")
	}
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd); err != nil {
		return err
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return err
	}
	httpConfig = buildHTTPConfig()
	log.Debug().Str("op", "cmd/setup").Str("save_path", cfg.SavePath).Str("store", cfg.Store.Driver).
		Int("connections", cfg.MaxConnections).Msg("configuration loaded")
	return nil
}

func applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("save-path") {
		cfg.SavePath = savePath
	}
	if flags.Changed("connections") {
		cfg.MaxConnections = connections
	}
	if flags.Changed("chunk-size") {
		var size config.ByteSize
		if err := size.Set(chunkSize); err != nil {
			return fmt.Errorf("--chunk-size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if flags.Changed("rate-limit") {
		var size config.ByteSize
		if err := size.Set(rateLimit); err != nil {
			return fmt.Errorf("--rate-limit: %w", err)
		}
		cfg.RateLimit = size
	}
	if flags.Changed("timeout") {
		cfg.Timeout = config.Duration(timeout)
	}
	if flags.Changed("keep-alive-timeout") {
		cfg.KeepAliveTimeout = config.Duration(kaTimeout)
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.Proxy = proxyURL
	}
	if flags.Changed("proxy-username") {
		cfg.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		cfg.ProxyPassword = proxyPassword
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		cfg.Headers[k] = v
	}
	if flags.Changed("store") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("store-path") {
		cfg.Store.Path = storePath
	}
	if flags.Changed("store-dsn") {
		cfg.Store.DSN = storeDSN
	}
	return nil
}

func buildHTTPConfig() utils.HTTPClientConfig {
	agent := cfg.UserAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	proxy, user, pass := cfg.Proxy, cfg.ProxyUsername, cfg.ProxyPassword
	// credentials embedded in the proxy URL are passed separately
	parsedProxy, err := u.Parse(proxy)
	if err == nil && parsedProxy.User != nil && user == "" {
		user = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			pass = password
		}
		parsedProxy.User = nil
		proxy = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:        cfg.Timeout.Std(),
		KATimeout:      cfg.KeepAliveTimeout.Std(),
		ProxyURL:       proxy,
		ProxyUsername:  user,
		ProxyPassword:  pass,
		UserAgent:      agent,
		Headers:        cfg.Headers,
		HighThreadMode: cfg.MaxConnections > 8,
	}
}
