package hal

import (
	"fmt"

	"github.com/arloliu/go-ecat/bridge"
	"github.com/arloliu/go-ecat/ecat"
)

// Set is a named collection of points synchronized with the process image.
// It is not safe for concurrent mutation; Sync is called from one cycle
// callback.
type Set struct {
	inputs  []*Input
	outputs []*Output
	names   map[string]struct{}
	seen    map[string]bool
}

// NewSet creates an empty point set.
func NewSet() *Set {
	return &Set{names: make(map[string]struct{}), seen: make(map[string]bool)}
}

func (s *Set) claim(name string) error {
	if _, dup := s.names[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePoint, name)
	}
	s.names[name] = struct{}{}

	return nil
}

// AddInput adds an input point.
func (s *Set) AddInput(in *Input) error {
	if err := s.claim(in.name); err != nil {
		return err
	}
	s.inputs = append(s.inputs, in)

	return nil
}

// AddOutput adds an output point.
func (s *Set) AddOutput(out *Output) error {
	if err := s.claim(out.name); err != nil {
		return err
	}
	s.outputs = append(s.outputs, out)

	return nil
}

// Inputs returns the input points in insertion order.
func (s *Set) Inputs() []*Input { return s.inputs }

// Outputs returns the output points in insertion order.
func (s *Set) Outputs() []*Output { return s.outputs }

// Validate checks that every image point refers to a SubDevice of g and
// lies inside the matching window.
func (s *Set) Validate(g *ecat.Group) error {
	check := func(p *point, window func(*ecat.SubDevice) ecat.Range) error {
		if p.binding != BindingImage {
			return nil
		}
		sd, err := g.Lookup(p.bit.Address)
		if err != nil {
			return fmt.Errorf("%w: %s at %#04x", ErrUnknownSubDevice, p.name, p.bit.Address)
		}
		if p.bit.Bit > 7 || p.bit.Byte < 0 || p.bit.Byte >= window(sd).Len {
			return fmt.Errorf("%w: %s at %s", ErrBitOutOfRange, p.name, p.bit)
		}

		return nil
	}

	for _, in := range s.inputs {
		if err := check(&in.point, (*ecat.SubDevice).InputRange); err != nil {
			return err
		}
	}
	for _, out := range s.outputs {
		if err := check(&out.point, (*ecat.SubDevice).OutputRange); err != nil {
			return err
		}
	}

	return nil
}

// Sync latches image inputs from the input windows and writes image outputs
// into the output windows. each is usually Cycle.Each or Group.Each. Points
// outside their window are left untouched.
func (s *Set) Sync(each func(fn func(sd *ecat.SubDevice, io ecat.IO))) {
	each(func(sd *ecat.SubDevice, io ecat.IO) {
		for _, in := range s.inputs {
			if in.binding != BindingImage || in.bit.Address != sd.Address() {
				continue
			}
			if v, ok := in.bit.get(io.Inputs()); ok {
				in.state.Store(v)
			}
		}
		for _, out := range s.outputs {
			if out.binding != BindingImage || out.bit.Address != sd.Address() {
				continue
			}
			out.bit.put(io.Outputs(), out.state.Load())
		}
	})
}

// Publish publishes the state of every image input on its sensor topic when
// it changed since the last publication.
func (s *Set) Publish(bus *bridge.Bus) error {
	for _, in := range s.inputs {
		if in.binding != BindingImage {
			continue
		}

		v := in.state.Load()
		if prev, ok := s.seen[in.name]; ok && prev == v {
			continue
		}
		if err := bus.Publish(bridge.SensorTopic(in.name), bridge.FormatBool(v)); err != nil {
			return err
		}
		s.seen[in.name] = v
	}

	return nil
}
