package engine

import (
	"context"
	"errors"
	"fmt"

	"taglink/config"
	"taglink/logix"
	"taglink/plcman"
)

// ControllerInfo is the externally visible state of one controller.
type ControllerInfo struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Address string       `json:"address"`
	State   string       `json:"state"`
	Tags    int          `json:"tags"`
	Stats   plcman.Stats `json:"stats"`
}

func controllerInfo(c *plcman.Controller) ControllerInfo {
	return ControllerInfo{
		ID:      c.ID(),
		Name:    c.Name(),
		Address: c.Address(),
		State:   c.State().String(),
		Tags:    len(c.Tags()),
		Stats:   c.Stats(),
	}
}

// ControllerInfos lists all controllers in registration order.
func (e *Engine) ControllerInfos() []ControllerInfo {
	ctrls := e.Controllers()
	out := make([]ControllerInfo, len(ctrls))
	for i, c := range ctrls {
		out[i] = controllerInfo(c)
	}
	return out
}

// ControllerInfo describes the controller registered under name.
func (e *Engine) ControllerInfo(name string) (ControllerInfo, error) {
	c := e.Controller(name)
	if c == nil {
		return ControllerInfo{}, fmt.Errorf("%w: controller %q", ErrNotFound, name)
	}
	return controllerInfo(c), nil
}

// AddController registers and connects a new controller and records it in
// the configuration.
func (e *Engine) AddController(cc config.ControllerConfig) (ControllerInfo, error) {
	if e.registry == nil {
		return ControllerInfo{}, errors.New("engine not started")
	}
	if cc.Name == "" || cc.Address == "" {
		return ControllerInfo{}, fmt.Errorf("%w: name and address are required", ErrInvalidInput)
	}
	if cc.Slot != nil && (*cc.Slot < 0 || *cc.Slot > 255) {
		return ControllerInfo{}, fmt.Errorf("%w: slot %d out of range", ErrInvalidInput, *cc.Slot)
	}
	cc.Enabled = true

	e.cfg.Lock()
	if e.cfg.FindController(cc.Name) != nil {
		e.cfg.Unlock()
		return ControllerInfo{}, fmt.Errorf("%w: controller %q", ErrAlreadyExists, cc.Name)
	}
	c, err := e.register(cc)
	if err != nil {
		e.cfg.Unlock()
		return ControllerInfo{}, err
	}
	e.cfg.AddController(cc)
	saveErr := e.saveConfig()

	c.Connect()
	e.emit(EventControllerAdded, ControllerEvent{Name: cc.Name})
	return controllerInfo(c), saveErr
}

// RemoveController disconnects and forgets a controller.
func (e *Engine) RemoveController(name string) error {
	e.mu.Lock()
	c, ok := e.controllers[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: controller %q", ErrNotFound, name)
	}
	delete(e.controllers, name)
	for _, t := range c.Tags() {
		delete(e.writable, t)
	}
	e.mu.Unlock()

	if err := e.registry.RemoveController(c); err != nil {
		e.log.Debug("remove controller", "controller", name, "error", err)
	}

	e.cfg.Lock()
	e.cfg.RemoveController(name)
	if err := e.saveConfig(); err != nil {
		return err
	}
	e.emit(EventControllerRemoved, ControllerEvent{Name: name})
	return nil
}

// ControllerName resolves ref, either a controller name or a registry ID,
// to the controller's name.
func (e *Engine) ControllerName(ref string) (string, bool) {
	if e.Controller(ref) != nil {
		return ref, true
	}
	if e.registry == nil {
		return "", false
	}
	if c, ok := e.registry.Get(ref); ok && e.Controller(c.Name()) == c {
		return c.Name(), true
	}
	return "", false
}

// DeviceInfo is the identity a controller reports.
type DeviceInfo struct {
	Vendor      string `json:"vendor"`
	DeviceType  string `json:"device_type"`
	ProductName string `json:"product_name"`
	ProductCode uint16 `json:"product_code"`
	Revision    string `json:"revision"`
	Serial      string `json:"serial"`
	IP          string `json:"ip,omitempty"`
}

// Identify asks a connected controller for its identity.
func (e *Engine) Identify(ctx context.Context, name string) (DeviceInfo, error) {
	c := e.Controller(name)
	if c == nil {
		return DeviceInfo{}, fmt.Errorf("%w: controller %q", ErrNotFound, name)
	}
	d, err := c.Identify(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	info := DeviceInfo{
		Vendor:      d.VendorName(),
		DeviceType:  d.DeviceTypeName(),
		ProductName: d.ProductName,
		ProductCode: d.ProductCode,
		Revision:    d.Revision,
		Serial:      fmt.Sprintf("%08X", d.Serial),
	}
	if d.IP != nil {
		info.IP = d.IP.String()
	}
	return info, nil
}

// SymbolInfo is one readable symbol of a controller.
type SymbolInfo struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	Structure bool   `json:"structure,omitempty"`
}

// Browse lists the data tags of a connected controller, controller scope
// first, then every program.
func (e *Engine) Browse(ctx context.Context, name string) ([]SymbolInfo, error) {
	c := e.Controller(name)
	if c == nil {
		return nil, fmt.Errorf("%w: controller %q", ErrNotFound, name)
	}
	syms, err := c.Client().BrowseAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SymbolInfo, len(syms))
	for i, s := range syms {
		out[i] = SymbolInfo{Path: s.Path(), Type: s.TypeName(), Structure: logix.IsStructure(s.Type)}
	}
	return out, nil
}
