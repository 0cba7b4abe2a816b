package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/watchtower-proxy/watchtower/internal/applog"
	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	intcli "github.com/watchtower-proxy/watchtower/internal/cli"
	"github.com/watchtower-proxy/watchtower/internal/config"
	"github.com/watchtower-proxy/watchtower/internal/controlapi"
	"github.com/watchtower-proxy/watchtower/internal/dispatcher"
	"github.com/watchtower-proxy/watchtower/internal/engine"
	"github.com/watchtower-proxy/watchtower/internal/log"
	"github.com/watchtower-proxy/watchtower/internal/metrics"
	"github.com/watchtower-proxy/watchtower/internal/registry"
	"github.com/watchtower-proxy/watchtower/internal/routing"
	"github.com/watchtower-proxy/watchtower/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

var (
	proxyForwardPort      uint16
	proxyReverseHTTPPort  uint16
	proxyReverseHTTPSPort uint16
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the interception proxy",
	Long: `Manage Watchtower's forward-proxy and reverse-listener group.

The forward proxy accepts plain HTTP and CONNECT on a single port,
MITM-terminating CONNECT tunnels whose target is routed locally or has
logging enabled, and splicing a blind tunnel otherwise.

When called without a subcommand, shows the current proxy status.`,
	RunE: statusProxy,
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy in the foreground",
	Long: `Start the forward proxy and any configured reverse listeners in the
foreground. Runs until interrupted.`,
	RunE: startProxy,
}

var proxyStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running proxy",
	RunE:  stopProxy,
}

var proxyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status",
	RunE:  statusProxy,
}

func init() {
	proxyStartCmd.Flags().Uint16Var(&proxyForwardPort, "port", 8888, "forward-proxy port")
	proxyStartCmd.Flags().Uint16Var(&proxyReverseHTTPPort, "reverse-http-port", 0, "reverse-listener HTTP port (0 disables it)")
	proxyStartCmd.Flags().Uint16Var(&proxyReverseHTTPSPort, "reverse-https-port", 0, "reverse-listener HTTPS port (0 disables it)")

	proxyCmd.AddCommand(proxyStartCmd)
	proxyCmd.AddCommand(proxyStopCmd)
	proxyCmd.AddCommand(proxyStatusCmd)
	rootCmd.AddCommand(proxyCmd)
}

func proxyDataDir() (string, error) {
	globalCfg, err := config.LoadGlobal()
	if err != nil {
		return "", err
	}
	return globalCfg.EffectiveDataDir(), nil
}

func startProxy(cmd *cobra.Command, args []string) error {
	dataDir, err := proxyDataDir()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}

	lock, err := routing.LoadProxyLock(dataDir)
	if err != nil {
		return fmt.Errorf("checking proxy status: %w", err)
	}
	if lock != nil && lock.IsAlive() {
		return fmt.Errorf("proxy already running on port %d (pid %d)", lock.Port, lock.PID)
	}
	if lock != nil {
		_ = routing.RemoveProxyLock(dataDir)
	}

	bundle, err := registry.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	ca, err := certauthority.New(dataDir)
	if err != nil {
		return fmt.Errorf("initializing CA: %w", err)
	}
	logs := applog.NewWriter(dataDir)
	m := metrics.New()

	eng := engine.New(bundle, ca, logs, proxyForwardPort).WithMetrics(m)
	d := dispatcher.New(eng, ca, bundle).WithMetrics(m)

	onStatus := func(status supervisor.StatusPayload) {
		log.Info("proxy status changed", "state", status.State, "forward_port", status.ForwardPort)
	}
	sup := supervisor.New(eng, ca, d, onStatus)

	cfg := supervisor.Config{
		ForwardPort:      proxyForwardPort,
		ReverseHTTPPort:  proxyReverseHTTPPort,
		ReverseHTTPSPort: proxyReverseHTTPSPort,
	}
	if err := sup.Start(cfg); err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}

	sockPath := filepath.Join(dataDir, "control.sock")
	ctrl := controlapi.New(sockPath, bundle, sup, m)
	if err := ctrl.Start(); err != nil {
		_ = sup.Stop(context.Background())
		return fmt.Errorf("starting control API: %w", err)
	}

	if err := routing.SaveProxyLock(dataDir, routing.ProxyLockInfo{
		PID:  os.Getpid(),
		Port: int(proxyForwardPort),
	}); err != nil {
		log.Warn("saving proxy lock failed", "error", err)
	}

	log.Info("proxy started", "forward_port", proxyForwardPort, "pid", os.Getpid())
	fmt.Printf("Watchtower listening on port %d\n", proxyForwardPort)
	fmt.Printf("Data directory: %s\n", intcli.ShortenPath(dataDir))
	if proxyReverseHTTPPort != 0 {
		fmt.Printf("Reverse HTTP listener on port %d\n", proxyReverseHTTPPort)
	}
	if proxyReverseHTTPSPort != 0 {
		fmt.Printf("Reverse HTTPS listener on port %d\n", proxyReverseHTTPSPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down proxy...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = ctrl.Stop(shutdownCtx)
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Warn("stopping proxy", "error", err)
	}
	_ = routing.RemoveProxyLock(dataDir)

	return nil
}

func stopProxy(cmd *cobra.Command, args []string) error {
	dataDir, err := proxyDataDir()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}

	lock, err := routing.LoadProxyLock(dataDir)
	if err != nil {
		return fmt.Errorf("checking proxy status: %w", err)
	}
	if lock == nil {
		fmt.Println("Proxy is not running")
		return nil
	}
	if !lock.IsAlive() {
		_ = routing.RemoveProxyLock(dataDir)
		fmt.Println("Proxy is not running (cleaned up stale lock)")
		return nil
	}

	process, err := os.FindProcess(lock.PID)
	if err != nil {
		return fmt.Errorf("finding proxy process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping proxy: %w", err)
	}

	fmt.Printf("Stopped proxy (pid %d)\n", lock.PID)
	return nil
}

func statusProxy(cmd *cobra.Command, args []string) error {
	dataDir, err := proxyDataDir()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}

	lock, err := routing.LoadProxyLock(dataDir)
	if err != nil {
		return fmt.Errorf("checking proxy status: %w", err)
	}
	if lock == nil {
		fmt.Println("Proxy is not running")
		return nil
	}
	if !lock.IsAlive() {
		fmt.Println("Proxy is not running (stale lock file exists)")
		return nil
	}

	fmt.Printf("Proxy running on port %d (pid %d), started %s\n", lock.Port, lock.PID, intcli.FormatTimeAgo(lock.StartedAt))
	return nil
}
