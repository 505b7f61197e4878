package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"lanlinker/internal/auth"
	"lanlinker/internal/config"
	"lanlinker/internal/discovery"
	"lanlinker/internal/fileops"
	"lanlinker/internal/httpserver"
	"lanlinker/internal/lifecycle"
	"lanlinker/internal/logging"
	"lanlinker/internal/mode"
	"lanlinker/internal/resolver"
	"lanlinker/internal/session"
)

const serviceName = "lanlinker"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          serviceName,
	Short:        "Share files with devices on the local network",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the file sharing server",
	RunE:  runServe,
}

// flags that map onto config keys
var serveFlagKeys = map[string]string{
	"port":  config.KeyServerPort,
	"root":  config.KeyLocalRoot,
	"quick": config.KeyQuickPath,
	"pin":   config.KeyPin,
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(path)
	if err != nil {
		return config.Config{}, err
	}
	for flag, key := range serveFlagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}
	return config.FromViper(v)
}

func setupLogging(cmd *cobra.Command, debug bool) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonLog, _ := cmd.Flags().GetBool("json-log")
	logging.Setup(logging.Options{Service: serviceName, Verbose: verbose || debug, JSON: jsonLog})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cmd, cfg.Debug)

	modeName, _ := cmd.Flags().GetString("mode")
	m, err := mode.Parse(modeName)
	if err != nil {
		return err
	}
	if !m.Running() {
		return fmt.Errorf("mode %q does not serve anything", modeName)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	live := config.NewLive(cfg)
	store, err := session.NewPropertiesStore(filepath.Join(cfg.StateDir, "sessions.properties"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	sessions, err := session.NewManager(session.Options{Store: store})
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	res := resolver.New(live)
	uploader, err := fileops.NewUploader(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("preparing upload staging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the router needs the lifecycle for status and the lifecycle needs the
	// router to serve; srv is assigned before the first Switch
	var srv *httpserver.Server
	lc := lifecycle.New(lifecycle.Options{
		Config: live,
		Router: func(m mode.Mode) http.Handler { return srv.Router(m) },
		Preflight: func(m mode.Mode) error {
			if m == mode.RemoteDisk {
				if len(res.Drives()) == 0 {
					return fmt.Errorf("no drives available for %s", m)
				}
				return nil
			}
			_, err := res.Root(m)
			return err
		},
		OnStop: func() {
			if err := sessions.Flush(); err != nil {
				log.WithError(err).Error("failed to flush sessions")
			}
		},
	})

	var peers httpserver.Peers
	if cfg.DiscoveryEnabled {
		disc := discovery.New(discovery.Options{
			ListenAddr:   fmt.Sprintf(":%d", cfg.DiscoveryPort),
			Name:         func() string { return live.Get().DeviceName },
			Discoverable: func() bool { return live.Get().DiscoveryEnabled },
			Advertiser:   lc,
		})
		if err := disc.Start(ctx); err != nil {
			log.WithError(err).Warn("discovery disabled")
		} else {
			defer disc.Close()
			peers = disc
		}
	}

	srv, err = httpserver.New(httpserver.Options{
		Config:   live,
		Sessions: sessions,
		Gate:     auth.NewGate(live),
		Resolver: res,
		Uploader: uploader,
		Runtime:  lc,
		Peers:    peers,
	})
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if err := lc.Switch(ctx, m); err != nil {
		return err
	}
	st := lc.Status()
	log.WithFields(log.Fields{"mode": st.Mode, "url": st.URL}).Info("lanlinker is ready")
	if cfg.WebDAV && (m == mode.LocalShare || m == mode.QuickShare) {
		log.WithField("url", st.URL+"/dav/").Info("webdav endpoint")
	}

	<-ctx.Done()
	log.Info("shutting down")
	return lc.Stop(context.Background())
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Print a bcrypt hash for admin.bcrypt",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		cost, _ := cmd.Flags().GetInt("cost")
		if password == "" {
			return fmt.Errorf("usage: %s passwd -p <password>", serviceName)
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
		if err != nil {
			return fmt.Errorf("bcrypt: %w", err)
		}
		fmt.Println(string(h))
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List lanlinker servers on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd, false)
		wait, _ := cmd.Flags().GetDuration("wait")
		port, _ := cmd.Flags().GetInt("port")

		disc := discovery.New(discovery.Options{
			ListenAddr:    ":0",
			BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", port),
		})
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		if err := disc.Start(ctx); err != nil {
			return err
		}
		defer disc.Close()
		if err := disc.Scan(); err != nil {
			return fmt.Errorf("sending scan: %w", err)
		}
		<-ctx.Done()

		devs := disc.Devices()
		if len(devs) == 0 {
			fmt.Println("No servers found.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tURL")
		for _, d := range devs {
			fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.URL())
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("json-log", false, "Log as JSON")

	serveCmd.Flags().String("config", "lanlinker.properties", "Path to the properties config file")
	serveCmd.Flags().StringP("mode", "m", mode.LocalShare.String(), "Serving mode: local_share, quick_share or remote_disk")
	serveCmd.Flags().IntP("port", "p", 8080, "HTTP port")
	serveCmd.Flags().String("root", "", "Folder shared in local_share mode")
	serveCmd.Flags().String("quick", "", "Folder used by quick_share mode")
	serveCmd.Flags().String("pin", "", "Access PIN")
	rootCmd.AddCommand(serveCmd)

	passwdCmd.Flags().StringP("password", "p", "", "Password to hash (required)")
	passwdCmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	rootCmd.AddCommand(passwdCmd)

	scanCmd.Flags().Duration("wait", 3*time.Second, "How long to collect replies")
	scanCmd.Flags().Int("port", discovery.DefaultPort, "Discovery UDP port")
	rootCmd.AddCommand(scanCmd)
}
