package identity

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PersistenceError reports a failure reading or writing the identity
// file. The identifier itself is still usable for the current run.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s device id file %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Provider loads the cached device identifier or derives and caches a
// new one from the network hardware address.
type Provider struct {
	path       string
	iface      string
	logger     *zap.Logger
	interfaces func() ([]net.Interface, error)
}

// NewProvider returns a provider caching the identifier at path. iface
// selects the network interface whose MAC seeds the identifier; empty
// picks the first interface with a hardware address.
func NewProvider(path, iface string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		path:       path,
		iface:      iface,
		logger:     logger,
		interfaces: net.Interfaces,
	}
}

// Load returns the device identifier. File problems are logged and never
// fatal: the derived identifier is returned even if it cannot be cached.
func (p *Provider) Load() string {
	if id, err := p.read(); err == nil && id != "" {
		p.logger.Info("Device ID loaded from file", zap.String("device_id", id), zap.String("path", p.path))
		return id
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Error("Error loading device ID from file", zap.Error(err))
	}

	id := p.derive()
	if err := p.write(id); err != nil {
		p.logger.Error("Error saving device ID to file", zap.Error(err))
	} else {
		p.logger.Info("Device ID saved to file", zap.String("device_id", id), zap.String("path", p.path))
	}
	return id
}

func (p *Provider) read() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		return "", &PersistenceError{Op: "read", Path: p.path, Err: err}
	}
	return strings.TrimSpace(string(data)), nil
}

// write replaces the file atomically so a reader never sees a partial id.
func (p *Provider) write(id string) (err error) {
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+"-*")
	if err != nil {
		return &PersistenceError{Op: "write", Path: p.path, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.WriteString(id); err != nil {
		return &PersistenceError{Op: "write", Path: p.path, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return &PersistenceError{Op: "sync", Path: p.path, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: p.path, Err: err}
	}
	if err = os.Rename(tmp.Name(), p.path); err != nil {
		return &PersistenceError{Op: "rename", Path: p.path, Err: err}
	}
	return nil
}

func (p *Provider) derive() string {
	hw, err := p.hardwareAddr()
	if err != nil {
		id := uuid.NewString()
		p.logger.Warn("No hardware address available, using a random device ID",
			zap.String("device_id", id),
			zap.Error(err))
		return id
	}
	id := FromMAC(hw)
	p.logger.Debug("Device ID generated", zap.String("device_id", id), zap.Stringer("mac", hw))
	return id
}

func (p *Provider) hardwareAddr() (net.HardwareAddr, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })

	for _, ifc := range ifaces {
		if p.iface != "" && ifc.Name != p.iface {
			continue
		}
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6 {
			continue
		}
		return ifc.HardwareAddr, nil
	}
	if p.iface != "" {
		return nil, fmt.Errorf("interface %s has no hardware address", p.iface)
	}
	return nil, errors.New("no interface with a hardware address")
}

// FromMAC derives the device identifier: a name-based (SHA-1) UUID in the
// DNS namespace over the node string the first deployed units used. That
// string takes the 48-bit node value and renders (node>>k)&0xff for
// k = 0, 2, ..., 10, so identifiers stay stable across the rewrite.
func FromMAC(hw net.HardwareAddr) string {
	var node uint64
	for _, b := range hw {
		node = node<<8 | uint64(b)
	}
	parts := make([]string, 0, 6)
	for shift := 0; shift < 12; shift += 2 {
		parts = append(parts, fmt.Sprintf("%02x", (node>>shift)&0xff))
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(strings.Join(parts, ":"))).String()
}
