package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Peperworx/pydevts"
	"github.com/Peperworx/pydevts/auth"
	"github.com/Peperworx/pydevts/peer"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pydevtsd",
		Short: "pydevtsd runs a standalone pydevts cluster peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "local accept host")
	flags.Int("port", 0, "local accept port (0: kernel-selected)")
	flags.String("entry-host", "", "entry peer host to join through; empty starts a new cluster")
	flags.Int("entry-port", 0, "entry peer port")
	flags.Duration("connection-cache-ttl", 0, "idle connection eviction threshold (0: 60s default)")
	flags.Int("connection-cache-max", 100, "maximum cached outbound connections")
	flags.Uint32("frame-max", 16<<20, "maximum accepted frame length in bytes")
	flags.String("auth", "none", "handshake variant: none or rsa")
	flags.String("rsa-public-key", "", "path to a PEM-encoded RSA public key file (auth=rsa)")
	flags.String("rsa-private-key", "", "path to a PEM-encoded RSA private key file (auth=rsa)")
	flags.String("config", "", "path to a config file (json, yaml, toml)")

	v.BindPFlags(flags)
	v.SetEnvPrefix("PYDEVTSD")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "pydevtsd: config file: %v\n", err)
			}
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	handshake, err := buildHandshake(v)
	if err != nil {
		return err
	}

	cfg := pydevts.Config{
		HostAddress:        peer.Address{Host: v.GetString("host"), Port: v.GetInt("port")},
		Auth:               handshake,
		ConnectionCacheTTL: v.GetDuration("connection-cache-ttl"),
		ConnectionCacheMax: v.GetInt("connection-cache-max"),
		FrameMax:           v.GetUint32("frame-max"),
		Logger:             logger,
	}
	if entryHost := v.GetString("entry-host"); entryHost != "" {
		cfg.EntryAddress = &peer.Address{Host: entryHost, Port: v.GetInt("entry-port")}
	}

	node, err := pydevts.New(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	node.On("log", func(origin peer.ID, payload []byte) {
		logger.Info("event", zap.String("origin", string(origin)), zap.ByteString("payload", payload))
	})
	node.OnStartup(func(n *pydevts.Node) {
		logger.Info("node ready",
			zap.String("id", string(n.ID())),
			zap.Stringer("addr", n.Addr()))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return node.Run(ctx)
}

func buildHandshake(v *viper.Viper) (auth.Handshake, error) {
	switch v.GetString("auth") {
	case "", "none":
		return auth.NoAuth{}, nil
	case "rsa":
		pub, err := readKeyFile(v.GetString("rsa-public-key"))
		if err != nil {
			return nil, fmt.Errorf("rsa-public-key: %w", err)
		}
		priv, err := readKeyFile(v.GetString("rsa-private-key"))
		if err != nil {
			return nil, fmt.Errorf("rsa-private-key: %w", err)
		}
		return auth.NewRSAAuth(pub, priv)
	default:
		return nil, fmt.Errorf("unknown auth method %q", v.GetString("auth"))
	}
}

func readKeyFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no key file configured")
	}
	return os.ReadFile(path)
}
