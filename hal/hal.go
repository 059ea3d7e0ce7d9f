// Package hal exposes digital I/O points to application logic independent
// of where the signal lives: a bit in the process image or a topic on the
// bridge bus.
package hal

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/arloliu/go-ecat/bridge"
)

var (
	// ErrBitOutOfRange indicates an image point beyond its SubDevice window.
	ErrBitOutOfRange = errors.New("hal: bit outside process-data window")

	// ErrUnknownSubDevice indicates an image point addressing a SubDevice the group does not hold.
	ErrUnknownSubDevice = errors.New("hal: sub-device not in group")

	// ErrDuplicatePoint indicates a point name already used in the set.
	ErrDuplicatePoint = errors.New("hal: duplicate point name")
)

// DigitalInput is a readable digital signal.
type DigitalInput interface {
	State() bool
}

// DigitalOutput is a writable digital signal.
type DigitalOutput interface {
	DigitalInput
	Set(v bool)
	SetTrue()
	SetFalse()
}

// Binding selects where a point's signal lives.
type Binding uint8

const (
	// BindingImage points map to a bit of a SubDevice window.
	BindingImage Binding = iota
	// BindingBridge points map to a topic on the bridge bus.
	BindingBridge
)

func (b Binding) String() string {
	switch b {
	case BindingImage:
		return "image"
	case BindingBridge:
		return "bridge"
	default:
		return fmt.Sprintf("binding(%d)", uint8(b))
	}
}

// Bit addresses one bit of a SubDevice window by configured address.
type Bit struct {
	Address uint16 `yaml:"address"`
	Byte    int    `yaml:"byte"`
	Bit     uint8  `yaml:"bit"`
}

func (b Bit) String() string {
	return fmt.Sprintf("%#04x:%d.%d", b.Address, b.Byte, b.Bit)
}

func (b Bit) get(window []byte) (bool, bool) {
	if b.Bit > 7 || b.Byte < 0 || b.Byte >= len(window) {
		return false, false
	}

	return window[b.Byte]&(1<<b.Bit) != 0, true
}

func (b Bit) put(window []byte, v bool) bool {
	if b.Bit > 7 || b.Byte < 0 || b.Byte >= len(window) {
		return false
	}

	if v {
		window[b.Byte] |= 1 << b.Bit
	} else {
		window[b.Byte] &^= 1 << b.Bit
	}

	return true
}

type point struct {
	name    string
	binding Binding
	bit     Bit
	bus     *bridge.Bus
	topic   string
	state   atomic.Bool
}

func (p *point) Name() string { return p.name }

func (p *point) Binding() Binding { return p.binding }

// Topic returns the bridge topic, empty for image points.
func (p *point) Topic() string { return p.topic }

// Bit returns the image bit, zero for bridge points.
func (p *point) Bit() Bit { return p.bit }

// Input is a digital input point.
type Input struct{ point }

var _ DigitalInput = (*Input)(nil)

// NewImageInput creates an input backed by a bit of a SubDevice input window.
// Its state is refreshed by Set.Sync.
func NewImageInput(name string, bit Bit) *Input {
	return &Input{point{name: name, binding: BindingImage, bit: bit}}
}

// NewBridgeInput creates an input reading the latest "true"/"false" payload
// of the sensor topic name.
func NewBridgeInput(name string, bus *bridge.Bus) *Input {
	return &Input{point{name: name, binding: BindingBridge, bus: bus, topic: bridge.SensorTopic(name)}}
}

// State returns the input level. A bridge input without a valid payload
// reads false.
func (in *Input) State() bool {
	switch in.binding {
	case BindingBridge:
		msg, ok := in.bus.Latest(in.topic)
		if !ok {
			return false
		}
		v, err := bridge.ParseBool(msg.Payload)

		return err == nil && v
	default:
		return in.state.Load()
	}
}

func (in *Input) String() string { return describe(&in.point, "in") }

// Output is a digital output point.
type Output struct{ point }

var _ DigitalOutput = (*Output)(nil)

// NewImageOutput creates an output backed by a bit of a SubDevice output
// window. Set takes effect on the next Set.Sync.
func NewImageOutput(name string, bit Bit) *Output {
	return &Output{point{name: name, binding: BindingImage, bit: bit}}
}

// NewBridgeOutput creates an output publishing "true"/"false" on the
// actuator topic name.
func NewBridgeOutput(name string, bus *bridge.Bus) *Output {
	return &Output{point{name: name, binding: BindingBridge, bus: bus, topic: bridge.ActuatorTopic(name)}}
}

// State returns the commanded level.
func (out *Output) State() bool { return out.state.Load() }

// Set commands the output level.
func (out *Output) Set(v bool) {
	out.state.Store(v)
	if out.binding == BindingBridge {
		_ = out.bus.Publish(out.topic, bridge.FormatBool(v))
	}
}

func (out *Output) SetTrue() { out.Set(true) }

func (out *Output) SetFalse() { out.Set(false) }

func (out *Output) String() string { return describe(&out.point, "out") }

func describe(p *point, dir string) string {
	if p.binding == BindingBridge {
		return fmt.Sprintf("%s %s bridge %s", p.name, dir, p.topic)
	}

	return fmt.Sprintf("%s %s image %s", p.name, dir, p.bit)
}
