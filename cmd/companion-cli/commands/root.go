package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cloud-companion/companion/internal/channel"
	"cloud-companion/companion/internal/client"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/platform/privacylog"
	"cloud-companion/companion/internal/waku"
)

var (
	identityPath string
	passphrase   string
	companionURL string
	httpToken    string
	transport    string
	bootstrap    []string
	port         int
	timeout      time.Duration
	verbose      bool

	logger *slog.Logger
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "companion-cli",
		Short:        "Pair with a cloud companion and pin files through it",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if identityPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				identityPath = filepath.Join(dir, ".companion", "client.json")
			}
			if passphrase == "" {
				passphrase = os.Getenv("COMPANION_CLIENT_PASSPHRASE")
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(privacylog.WrapHandler(
				slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
			))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&identityPath, "identity", "", "client identity file (default ~/.companion/client.json)")
	flags.StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the identity file (or COMPANION_CLIENT_PASSPHRASE)")
	flags.StringVar(&companionURL, "companion", "http://127.0.0.1:3000", "companion HTTP base URL")
	flags.StringVar(&httpToken, "token", "", "bearer token for the companion HTTP API")
	flags.StringVar(&transport, "transport", waku.TransportGoWaku, "network transport: go-waku | mock")
	flags.StringSliceVar(&bootstrap, "bootstrap", nil, "bootstrap node multiaddrs")
	flags.IntVar(&port, "port", 0, "local waku listen port (0 picks a free one)")
	flags.DurationVar(&timeout, "timeout", time.Minute, "overall command timeout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(identityCmd(), pairCmd(), uploadCmd())
	return root
}

type session struct {
	node   *waku.Node
	client *client.Client
}

func openSession(ctx context.Context, f client.IdentityFile, companionPub []byte) (*session, error) {
	key, err := f.Key()
	if err != nil {
		return nil, err
	}
	cfg := waku.DefaultConfig()
	cfg.Transport = transport
	cfg.Port = port
	cfg.BootstrapNodes = bootstrap
	node := waku.NewNode(cfg)
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	c, err := client.New(channel.NodeTransport(node), key, companionPub, client.Options{
		ResendInterval: 5 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		_ = node.Stop(context.Background())
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		_ = node.Stop(context.Background())
		return nil, err
	}
	return &session{node: node, client: c}, nil
}

func (s *session) Close() {
	s.client.Close()
	_ = s.node.Stop(context.Background())
}

func fetchTempKey(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(companionURL, "/")+"/pairing", nil)
	if err != nil {
		return nil, err
	}
	if httpToken != "" {
		req.Header.Set("Authorization", "Bearer "+httpToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("companion returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pairing response: %w", err)
	}
	return identity.ParsePublicKeyHex(out.PublicKey)
}

func loadOrCreateIdentity() (client.IdentityFile, bool, error) {
	f, err := client.LoadIdentity(identityPath, passphrase)
	if err == nil {
		return f, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return client.IdentityFile{}, false, err
	}
	key, err := identity.GenerateKey()
	if err != nil {
		return client.IdentityFile{}, false, err
	}
	f = client.NewIdentityFile(key)
	if err := client.SaveIdentity(identityPath, passphrase, f); err != nil {
		return client.IdentityFile{}, false, err
	}
	return f, true, nil
}
