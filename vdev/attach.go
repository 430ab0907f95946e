package vdev

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alia5/usbip-vhci/hub"
	"github.com/alia5/usbip-vhci/internal/vhcilog"
	"github.com/alia5/usbip-vhci/vhcierr"
)

// AttachWithRetry drives one full import attempt per entry in order,
// stopping at the first success or the first error other than a USB
// generation mismatch. A fresh TCP connection and Session are used for
// each attempt, mirroring the retry loop a usbip attach client runs
// over its list of candidate host-controller generations: only a
// USB_VER mismatch is worth retrying against a different hub class;
// every other failure (network, protocol, version, port-full) is
// terminal.
func AttachWithRetry(ctx context.Context, opts Options, order []hub.HCIClass, hubs map[hub.HCIClass]*hub.Hub[*Session], logger *slog.Logger, raw vhcilog.RawLogger) (*Session, int, error) {
	var lastErr error

	for _, class := range order {
		s := New(opts, logger, raw)

		if err := s.Connect(ctx); err != nil {
			return nil, 0, err
		}

		if err := s.Import(class); err != nil {
			s.Destroy(nil)
			if !vhcierr.Is(err, vhcierr.USBVer) {
				return nil, 0, err
			}
			lastErr = err
			continue
		}

		if err := s.FetchDescriptors(); err != nil {
			s.Destroy(nil)
			return nil, 0, err
		}
		s.SetClassSubclassProto()

		h, ok := hubs[class]
		if !ok {
			s.Destroy(nil)
			return nil, 0, vhcierr.Wrap(vhcierr.General, fmt.Errorf("no hub configured for HCI class %d", class))
		}

		port, err := s.Attach(h)
		if err != nil {
			s.Destroy(nil)
			return nil, 0, err
		}
		return s, port, nil
	}

	return nil, 0, lastErr
}
