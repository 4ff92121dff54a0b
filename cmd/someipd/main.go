package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/daemon"
	"github.com/cuemby/someipd/pkg/iam"
	"github.com/cuemby/someipd/pkg/log"
	"github.com/cuemby/someipd/pkg/metrics"
	"github.com/cuemby/someipd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "someipd",
	Short: "someipd - SOME/IP Service Discovery daemon",
	Long: `someipd runs the SOME/IP Service Discovery protocol on a single
network interface: it offers locally-configured service instances,
finds and tracks remotely-offered ones, and brokers eventgroup
subscriptions between them.

It does not carry SOME/IP application payloads (methods, events,
fields) - that is left to the application behind each service
instance. someipd only runs the discovery/subscription control plane.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"someipd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Service Discovery daemon",
	Long: `Run starts the SD endpoint on the given interface, optionally
offers one local service instance, optionally requires one remote
service instance, and serves Prometheus metrics plus health/readiness/
liveness endpoints until interrupted.`,
	RunE: runDaemon,
}

func init() {
	f := runCmd.Flags()
	f.String("interface", "", "Network interface to bind the SD socket to (empty for the default route)")
	f.String("unicast-address", "0.0.0.0", "Local unicast address for the SD socket")
	f.String("multicast-address", "224.224.224.245", "SD multicast group address")
	f.Uint16("port", config.DefaultSDPort, "SD UDP port")
	f.String("data-dir", "./someipd-data", "Directory for the session/reboot-flag database")
	f.String("metrics-addr", "127.0.0.1:9090", "Bind address for the metrics/health HTTP server")

	f.Uint16("provide-service", 0, "Service ID of a locally-offered instance (0 disables)")
	f.Uint16("provide-instance", 1, "Instance ID of the locally-offered instance")
	f.Uint8("provide-major-version", 1, "Major version of the locally-offered instance")
	f.Uint32("provide-ttl", 3, "Offer TTL in seconds for the locally-offered instance")
	f.Uint16("provide-udp-port", 0, "UDP port the locally-offered instance listens on (0 omits the UDP endpoint option)")

	f.Uint16("require-service", 0, "Service ID of a remotely-required instance (0 disables)")
	f.Uint16("require-instance", 1, "Instance ID of the remotely-required instance")
	f.Uint8("require-major-version", 1, "Major version of the remotely-required instance")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()

	iface, _ := f.GetString("interface")
	unicastAddr, _ := f.GetString("unicast-address")
	multicastAddr, _ := f.GetString("multicast-address")
	port, _ := f.GetUint16("port")
	dataDir, _ := f.GetString("data-dir")
	metricsAddr, _ := f.GetString("metrics-addr")

	cfg := config.Config{
		Endpoints: []config.EndpointConfig{
			{
				Interface:        iface,
				UnicastAddress:   unicastAddr,
				MulticastAddress: multicastAddr,
				Port:             port,
			},
		},
	}

	if pc, ok := providedInstanceFromFlags(f, unicastAddr); ok {
		cfg.ProvidedInstances = append(cfg.ProvidedInstances, pc)
	}
	if rc, ok := requiredInstanceFromFlags(f); ok {
		cfg.RequiredInstances = append(cfg.RequiredInstances, rc)
	}
	cfg = cfg.WithDefaults()

	sink := metrics.NewSink()
	d, err := daemon.New(cfg, daemon.Deps{
		DataDir: dataDir,
		IAM:     iam.AllowAll{},
		Stats:   sink,
		Log:     log.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build daemon: %v", err)
	}

	collector := metrics.NewCollector(d)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("sd_endpoint", true, "bound")
	metrics.RegisterComponent("session_tracker", true, "open")
	metrics.RegisterComponent("sd_core", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %v", err)
		}
	}()
	fmt.Printf("someipd listening on %s:%d (multicast %s)\n", unicastAddr, port, multicastAddr)
	fmt.Printf("metrics: http://%s/metrics\n", metricsAddr)
	fmt.Printf("health:  http://%s/health\n", metricsAddr)

	for _, pc := range cfg.ProvidedInstances {
		d.ServiceUp(pc.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- d.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	d.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := <-runErrCh; err != nil {
		return fmt.Errorf("daemon shutdown error: %v", err)
	}
	fmt.Println("shutdown complete")
	return nil
}

func providedInstanceFromFlags(f *pflag.FlagSet, unicastAddr string) (config.ProvidedInstanceConfig, bool) {
	serviceID, _ := f.GetUint16("provide-service")
	if serviceID == 0 {
		return config.ProvidedInstanceConfig{}, false
	}
	instanceID, _ := f.GetUint16("provide-instance")
	major, _ := f.GetUint8("provide-major-version")
	ttl, _ := f.GetUint32("provide-ttl")
	udpPort, _ := f.GetUint16("provide-udp-port")

	pc := config.ProvidedInstanceConfig{
		ID: types.ServiceInstanceID{
			ServiceID:    serviceID,
			InstanceID:   instanceID,
			MajorVersion: major,
		},
		TTL: ttl,
	}
	if udpPort != 0 {
		pc.UDPEndpoint = &types.IPEndpoint{
			Address:   net.ParseIP(unicastAddr),
			Port:      udpPort,
			Transport: types.TransportUDP,
		}
	}
	return pc, true
}

func requiredInstanceFromFlags(f *pflag.FlagSet) (config.RequiredInstanceConfig, bool) {
	serviceID, _ := f.GetUint16("require-service")
	if serviceID == 0 {
		return config.RequiredInstanceConfig{}, false
	}
	instanceID, _ := f.GetUint16("require-instance")
	major, _ := f.GetUint8("require-major-version")

	rc := config.RequiredInstanceConfig{
		ID: types.ServiceInstanceID{
			ServiceID:    serviceID,
			InstanceID:   instanceID,
			MajorVersion: major,
		},
		Mode: config.SdAndCommunication,
	}
	return rc, true
}
