package ecat

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Summary describes the result of a scan.
type Summary struct {
	ScanID      string          `cbor:"scan_id" yaml:"scan_id"`
	Interface   string          `cbor:"interface" yaml:"interface"`
	StartedAt   time.Time       `cbor:"started_at" yaml:"started_at"`
	Duration    time.Duration   `cbor:"duration" yaml:"duration"`
	Capacity    Capacity        `cbor:"capacity" yaml:"capacity"`
	InputBytes  int             `cbor:"input_bytes" yaml:"input_bytes"`
	OutputBytes int             `cbor:"output_bytes" yaml:"output_bytes"`
	SubDevices  []SubDeviceInfo `cbor:"subdevices" yaml:"subdevices"`
}

var (
	summaryEncMode cbor.EncMode
	summaryDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	summaryEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create summary CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	summaryDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create summary CBOR decoder mode: %v", err))
	}
}

// EncodeSummaryCBOR writes s to w as CBOR.
func EncodeSummaryCBOR(w io.Writer, s *Summary) error {
	return summaryEncMode.NewEncoder(w).Encode(s)
}

// DecodeSummaryCBOR reads a summary written by EncodeSummaryCBOR.
func DecodeSummaryCBOR(r io.Reader) (*Summary, error) {
	var s Summary
	if err := summaryDecMode.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}

	return &s, nil
}
