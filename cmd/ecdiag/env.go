package main

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-ecat/ecat"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/simulator"
	"github.com/arloliu/go-ecat/transport"
)

const simInterface = "sim0"

var errNoInterface = errors.New("no interface given, use --interface or set interface in the configuration file")

type rootFlags struct {
	configPath string
	iface      string
	simulate   int
	logLevel   string
}

// env is the master and interface resolved from the command line.
type env struct {
	master  *ecat.Master
	iface   string
	log     logger.Logger
	segment *simulator.Segment
}

func (f *rootFlags) fileConfig() (*ecat.FileConfig, error) {
	if f.configPath == "" {
		return &ecat.FileConfig{}, nil
	}

	return ecat.LoadConfigFile(f.configPath)
}

// setup builds the master. When needIface is set an interface must be
// resolvable from the flags or the configuration file.
func (f *rootFlags) setup(needIface bool) (*env, error) {
	fc, err := f.fileConfig()
	if err != nil {
		return nil, err
	}

	levelName := fc.LogLevel
	if f.logLevel != "" {
		levelName = f.logLevel
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	l := logger.NewSlog(level, false)
	logger.SetDefault(l)

	engine, err := pdu.NewEngine(pdu.WithLogger(l))
	if err != nil {
		return nil, err
	}
	halves, err := engine.Split()
	if err != nil {
		return nil, err
	}

	e := &env{iface: fc.Interface, log: l}
	if f.iface != "" {
		e.iface = f.iface
	}

	opts := append(fc.Options(), ecat.WithLogger(l))
	if f.simulate > 0 {
		e.segment, err = simulator.New(l, simulator.EchoDevices(f.simulate)...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ecat.WithOpener(e.segment.Open))
		if e.iface == "" {
			e.iface = simInterface
		}
	}

	if needIface && e.iface == "" {
		return nil, errNoInterface
	}

	e.master, err = ecat.NewMaster(pdu.NewRegistry(halves), opts...)
	if err != nil {
		return nil, fmt.Errorf("create master: %w", err)
	}

	return e, nil
}

func (e *env) interfaces() ([]transport.InterfaceInfo, error) {
	if e.segment != nil {
		return []transport.InterfaceInfo{{Name: simInterface, Description: "simulated segment", IsUp: true}}, nil
	}

	return e.master.ListInterfaces()
}
