package commands

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/internal/config"
	"github.com/AnotherlandServer/anotherland-sub012/raknet"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/admin"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/banlist"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/listener"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/secure"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var configPath string

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file; defaults are used if omitted")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the listener until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, newLogger(cfg.Level()))
	},
}

// serve runs the listener described by cfg, and its admin API if one is configured, until ctx is done.
func serve(ctx context.Context, cfg config.Config, log *zerolog.Logger) error {
	addr, err := netip.ParseAddrPort(cfg.Listen)
	if err != nil {
		return err
	}

	bans := banlist.NewMemory()
	if cfg.BanList != "" {
		if bans, err = banlist.Open(cfg.BanList); err != nil {
			return fmt.Errorf("failed to open ban list %s: %w", cfg.BanList, err)
		}
	}
	defer bans.Close()

	lLog := log.With().Str("sublogger", "listener").Logger()
	opts := []listener.Option{
		listener.WithLogger(&lLog),
		listener.WithBanList(bans),
		listener.WithTimeout(time.Duration(cfg.Timeout)),
		listener.WithHandshakeTimeout(time.Duration(cfg.HandshakeTimeout)),
		listener.WithPingInterval(time.Duration(cfg.PingInterval)),
	}
	if cfg.MaxConnections > 0 {
		opts = append(opts, listener.WithMaxConnections(cfg.MaxConnections))
	}
	if cfg.Password != "" {
		opts = append(opts, listener.WithPassword([]byte(cfg.Password)))
	}
	if cfg.Security.Enabled {
		key, err := listenerKey(cfg.Security.KeyFile, cfg.Security.KeyBits, log)
		if err != nil {
			return err
		}
		opts = append(opts, listener.WithPrivateKey(key))
	}
	if cfg.Admission.Rate > 0 {
		burst := cfg.Admission.Burst
		if burst == 0 {
			burst = listener.DefaultAdmissionBurst
		}
		opts = append(opts, listener.WithAdmissionRate(rate.Limit(cfg.Admission.Rate), burst))
	}
	if cfg.Strikes.Max > 0 {
		window, ban := time.Duration(cfg.Strikes.Window), time.Duration(cfg.Strikes.Ban)
		if window == 0 {
			window = listener.DefaultStrikeWindow
		}
		if ban == 0 {
			ban = listener.DefaultStrikeBan
		}
		opts = append(opts, listener.WithStrikes(cfg.Strikes.Max, window, ban))
	}

	l, err := listener.New(addr, opts...)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()
	log.Info().Func(l.Zerolog).Msg("listening")

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Admin != "" {
		aLog := log.With().Str("sublogger", "admin").Logger()
		srv, err := admin.New(l, netip.MustParseAddrPort(cfg.Admin), admin.WithLogger(&aLog))
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		log.Info().Str("address", srv.Addr().String()).Msg("admin API up")
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(sctx)
		})
	}
	g.Go(func() error {
		for {
			c, err := l.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Info().Func(c.Zerolog).Msg("accepted connection")
			if cfg.Echo {
				g.Go(func() error { echo(ctx, c, log); return nil })
			}
		}
	})
	return g.Wait()
}

// echo sends every message c receives back over c until it closes.
func echo(ctx context.Context, c *session.Conn, log *zerolog.Logger) {
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			log.Debug().Func(c.Zerolog).Err(err).Msg("echo finished")
			return
		}
		if err := c.Send(ctx, msg.Data, raknet.ReliableOrdered, 0); err != nil {
			log.Warn().Func(c.Zerolog).Err(err).Msg("failed to echo message")
			return
		}
	}
}

// listenerKey loads the key at path, generating and saving one first if the file does not exist.
// An empty path yields an ephemeral key.
func listenerKey(path string, bits int, log *zerolog.Logger) (*rsa.PrivateKey, error) {
	if path != "" {
		key, err := secure.LoadPrivateKey(path)
		if err == nil {
			return key, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	key, err := secure.GenerateKey(bits)
	if err != nil {
		return nil, err
	}
	if path == "" {
		log.Warn().Msg("security enabled without a key file; clients cannot pin this key across restarts")
		return key, nil
	}
	if err := secure.SavePrivateKey(path, key); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("generated listener key")
	return key, nil
}
