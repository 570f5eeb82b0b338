//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/config"
	"github.com/cordonlabs/cordon/internal/runtime"
)

var (
	env                  = flag.String("env", config.EnvProd, "environment to use")
	portalURL            = flag.String("portal-url", "", "override portal websocket url")
	token                = flag.String("token", "", "portal authentication token")
	tokenFile            = flag.String("token-file", "", "file containing the portal authentication token")
	keyFile              = flag.String("key-file", "", "file containing the base64 WireGuard private key; generated if empty")
	tunName              = flag.String("tun-name", "cordon0", "name of the TUN interface")
	enableVerboseLogging = flag.Bool("v", false, "enables verbose logging")
	prettyLogging        = flag.Bool("pretty", false, "human-readable logs instead of JSON")
	metricsEnable        = flag.Bool("metrics-enable", false, "Enable prometheus metrics")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "Address to listen on for prometheus metrics")
	versionFlag          = flag.Bool("version", false, "build version")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	logger := newLogger(*enableVerboseLogging, *prettyLogging)
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	if *portalURL == "" {
		networkConfig, err := config.NetworkConfigForEnv(*env)
		if err != nil {
			slog.Error("failed to get network config", "error", err)
			os.Exit(1)
		}
		*portalURL = networkConfig.PortalURL
	}

	authToken := *token
	if authToken == "" && *tokenFile != "" {
		raw, err := os.ReadFile(*tokenFile)
		if err != nil {
			slog.Error("failed to read token file", "error", err)
			os.Exit(1)
		}
		authToken = string(raw)
	}
	if authToken == "" {
		slog.Error("a portal token is required (-token or -token-file)")
		os.Exit(1)
	}

	privateKey, err := loadOrGenerateKey(*keyFile)
	if err != nil {
		slog.Error("failed to load private key", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cordon_build_info",
				Help: "Build information of the client",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("Failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())

			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("Failed to start prometheus metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runtime.Run(ctx, runtime.Config{
		Logger:     logger,
		PortalURL:  *portalURL,
		Token:      authToken,
		PrivateKey: privateKey,
		TunName:    *tunName,
	})
	if err != nil {
		slog.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose, pretty bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if pretty {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// loadOrGenerateKey reads a base64 private key from path, generating and
// persisting a fresh one if the file does not exist yet.
func loadOrGenerateKey(path string) (wgtypes.Key, error) {
	if path == "" {
		return wgtypes.GeneratePrivateKey()
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		return wgtypes.ParseKey(string(raw))
	}
	if !os.IsNotExist(err) {
		return wgtypes.Key{}, err
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, err
	}
	if err := os.WriteFile(path, []byte(key.String()), 0600); err != nil {
		return wgtypes.Key{}, err
	}
	return key, nil
}
