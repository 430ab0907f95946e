package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alia5/usbip-vhci/hub"
	"github.com/alia5/usbip-vhci/internal/config"
	"github.com/alia5/usbip-vhci/internal/vhcilog"
	"github.com/alia5/usbip-vhci/vdev"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
)

// Fixed port counts per host-controller generation, matching the
// Linux vhci_hcd driver's usual per-bus allocation.
const (
	usb2Ports = 8
	usb3Ports = 8
)

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := config.CandidatePaths(userCfg)

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("vhcid"),
		kong.Description("Import a remote usbipd device as a local virtual USB device."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := vhcilog.Setup(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	var rawLogger vhcilog.RawLogger
	if cli.Log.RawFile != "" {
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			rawLogger = vhcilog.NewRaw(nil)
		} else {
			rawLogger = vhcilog.NewRaw(f)
			closeFiles = append(closeFiles, f)
		}
	} else if cli.Log.Level == "trace" {
		rawLogger = vhcilog.NewRaw(os.Stdout)
	} else {
		rawLogger = vhcilog.NewRaw(nil)
	}

	opts := vdev.Options{
		Host:              cli.Remote,
		Port:              cli.Port,
		BusID:             cli.BusID,
		Serial:            cli.Serial,
		ConnectTimeout:    cli.ConnectTimeout,
		KeepaliveIdle:     cli.KeepaliveIdle,
		KeepaliveInterval: cli.KeepaliveInterval,
		KeepaliveCount:    cli.KeepaliveCount,
	}

	hubs := map[hub.HCIClass]*hub.Hub[*vdev.Session]{
		hub.HCIUSB2: hub.New[*vdev.Session](usb2Ports, 0),
		hub.HCIUSB3: hub.New[*vdev.Session](0, usb3Ports),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, port, err := vdev.AttachWithRetry(ctx, opts,
		[]hub.HCIClass{hub.HCIUSB3, hub.HCIUSB2}, hubs, logger, rawLogger)
	if err != nil {
		logger.Error("attach failed", "remote", cli.Remote, "busid", cli.BusID, "error", err)
		os.Exit(1)
	}
	logger.Info("device attached", "busid", cli.BusID, "hci_class", sess.HCIClass(), "port", port)

	<-ctx.Done()
	logger.Info("shutting down", "busid", cli.BusID)
	sess.Destroy(hubs[sess.HCIClass()])
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("VHCI_CONFIG"); v != "" {
		return v
	}
	return ""
}
