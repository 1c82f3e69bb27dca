// Package detect finds devices running the OTA receiver on the host's
// serial ports.
package detect

import (
	"fmt"
	"log/slog"

	"github.com/bigbag/papyrix-ota/internal/flasher"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

// Result represents a detected device.
type Result struct {
	Port      string
	BootState *protocol.BootState
}

// DetectDevice returns the first port with a device answering SYNC.
func DetectDevice(baudRate int, logger *slog.Logger) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, logger)
		if err != nil {
			logger.Debug("no device on port", "port", portName, "error", err)
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no OTA device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no OTA device found")
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int, logger *slog.Logger) (*Result, error) {
	return tryPort(portName, baudRate, logger)
}

// ListDevices probes every port and returns the devices found.
func ListDevices(baudRate int, logger *slog.Logger) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, logger)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(portName string, baudRate int, logger *slog.Logger) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	return probe(port, portName, logger)
}

// probe syncs over an open link and reads the boot state. A device that
// syncs but cannot report its boot state is still a match.
func probe(port flasher.Port, portName string, logger *slog.Logger) (*Result, error) {
	f := flasher.New(port, flasher.WithLogger(logger))
	if err := f.Connect(); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	result := &Result{Port: portName}
	st, err := f.BootState()
	if err != nil {
		logger.Debug("boot state unavailable", "port", portName, "error", err)
		return result, nil
	}
	result.BootState = &st
	return result, nil
}
