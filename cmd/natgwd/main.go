// Command natgwd is the process entry point: it loads a YAML
// configuration, opens one frame I/O device per configured interface
// (a TAP device for "tap*"-prefixed names, a raw bridge socket to an
// existing NIC otherwise — the same dispatch the teacher's own
// bridge/tap example mains use), and pumps frames between those
// devices and a router.Router. Flag parsing is deliberately absent
// (the single config-path argument is read straight off os.Args);
// spec §6 keeps that layer out of scope.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netforge-go/natgw/config"
	"github.com/netforge-go/natgw/internal"
	"github.com/netforge-go/natgw/metrics"
	"github.com/netforge-go/natgw/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// device is the frame I/O device backing one configured interface.
type device interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <config.yaml>", os.Args[0])
	}
	log := slog.Default()

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		return err
	}

	devices := make(map[string]device, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		d, err := openDevice(ifc.Name)
		if err != nil {
			closeAll(devices)
			return fmt.Errorf("opening %s: %w", ifc.Name, err)
		}
		devices[ifc.Name] = d
	}
	defer closeAll(devices)

	reg := prometheus.NewRegistry()
	ms := metrics.NewSet(reg)

	tp := &bridgeTransport{devices: devices}
	r := router.New(cfg.RouterConfig(), tp, log, ms)
	r.Run()

	httpSrv := &http.Server{Addr: ":9100", Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("natgwd: metrics server stopped", slog.Any("err", err))
		}
	}()

	var wg sync.WaitGroup
	for name, d := range devices {
		wg.Add(1)
		go func(name string, d device) {
			defer wg.Done()
			pumpReads(r, name, d, log)
		}(name, d)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("natgwd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(shutdownCtx); err != nil {
		log.Warn("natgwd: close", slog.Any("err", err))
	}
	_ = httpSrv.Close()
	closeAll(devices)
	wg.Wait()
	return nil
}

// pumpReads reads frames off d in a loop and hands each to the
// router, until d is closed (by shutdown) and Read starts erroring.
func pumpReads(r *router.Router, ifaceName string, d device, log *slog.Logger) {
	buf := make([]byte, 65536)
	for {
		n, err := d.Read(buf)
		if err != nil {
			log.Debug("natgwd: read loop exiting", slog.String("iface", ifaceName), slog.Any("err", err))
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		r.HandleFrame(frame, ifaceName)
	}
}

// openDevice opens the frame I/O device for a configured interface
// name: a TAP device for names prefixed "tap" (development/testing),
// a raw AF_PACKET bridge to an existing NIC otherwise. The TAP device
// is left unaddressed at the kernel level (zero netip.Prefix): the
// router uses the configured iface.Interface.IP, not whatever the
// kernel's own stack thinks this device owns.
func openDevice(name string) (device, error) {
	if strings.HasPrefix(name, "tap") {
		return internal.NewTap(name, netip.Prefix{})
	}
	return internal.NewBridge(name)
}

func closeAll(devices map[string]device) {
	for _, d := range devices {
		_ = d.Close()
	}
}

// bridgeTransport implements router.Transport by writing to the
// per-interface device opened at startup.
type bridgeTransport struct {
	devices map[string]device
}

func (t *bridgeTransport) Send(ifaceName string, frame []byte) error {
	d, ok := t.devices[ifaceName]
	if !ok {
		return fmt.Errorf("natgwd: no device for interface %q", ifaceName)
	}
	_, err := d.Write(frame)
	return err
}
