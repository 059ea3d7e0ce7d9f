package bridge

import (
	"bytes"

	"github.com/arloliu/go-ecat/ecat"
)

// Mirror copies process-data windows between a group and the bus.
//
// Call Sync from a cycle callback: input windows that changed are published
// on ImageInputsPrefix+name, and the latest payload of ImageOutputsPrefix+name
// is copied into the output window. Windows are keyed by SubDevice name.
type Mirror struct {
	bus  *Bus
	last map[uint16][]byte
}

// NewMirror creates a mirror publishing on bus.
func NewMirror(bus *Bus) *Mirror {
	return &Mirror{bus: bus, last: make(map[uint16][]byte)}
}

// InputTopic returns the topic carrying the input window of sd.
func InputTopic(sd *ecat.SubDevice) string { return ImageInputsPrefix + sd.Name() }

// OutputTopic returns the topic feeding the output window of sd.
func OutputTopic(sd *ecat.SubDevice) string { return ImageOutputsPrefix + sd.Name() }

// Sync mirrors every SubDevice window visited by each. each is usually
// Cycle.Each or Group.Each.
func (m *Mirror) Sync(each func(fn func(sd *ecat.SubDevice, io ecat.IO))) error {
	var firstErr error
	each(func(sd *ecat.SubDevice, io ecat.IO) {
		if in := io.Inputs(); len(in) > 0 {
			if prev, ok := m.last[sd.Address()]; !ok || !bytes.Equal(prev, in) {
				if err := m.bus.Publish(InputTopic(sd), in); err != nil && firstErr == nil {
					firstErr = err
				}
				m.last[sd.Address()] = append(prev[:0], in...)
			}
		}

		if out := io.Outputs(); len(out) > 0 {
			if msg, ok := m.bus.Latest(OutputTopic(sd)); ok {
				copy(out, msg.Payload)
			}
		}
	})

	return firstErr
}
