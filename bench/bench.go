// Package bench loads a declarative description of a lab bench: which GPIB
// controller adapters exist and which instrument sits at which bus address.
// Automation scripts resolve instruments by name instead of hardcoding
// hosts and addresses.
package bench

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/arloliu/go-gpib/gpib"
)

// Adapter kinds supported by a bench description.
const (
	KindUSB      = "usb"
	KindEthernet = "ethernet"
)

// Duration wraps time.Duration with YAML support for strings like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Adapter describes one GPIB controller on the bench.
type Adapter struct {
	// Name is the unique handle scripts use to refer to this adapter.
	Name string `yaml:"name"`
	// Kind is either "usb" (local controller) or "ethernet" (network
	// controller).
	Kind string `yaml:"kind"`
	// Host is the network controller's address. Empty means "locate the
	// first controller on the network segment". Unused for usb adapters.
	Host string `yaml:"host,omitempty"`
	// Port overrides the network controller's TCP port. Zero keeps the
	// controller default. Unused for usb adapters.
	Port int `yaml:"port,omitempty"`
	// ReadTimeout overrides the response idle timeout, e.g. "500ms".
	ReadTimeout Duration `yaml:"read_timeout,omitempty"`
}

// Instrument describes one instrument on the bench.
type Instrument struct {
	// Name is the unique handle scripts use to refer to this instrument.
	Name string `yaml:"name"`
	// Adapter names the Adapter whose bus the instrument sits on.
	Adapter string `yaml:"adapter"`
	// Address is the instrument's GPIB bus address.
	Address gpib.Addr `yaml:"address"`
}

// Bench is a parsed bench description.
type Bench struct {
	Adapters    []Adapter    `yaml:"adapters"`
	Instruments []Instrument `yaml:"instruments"`
}

// Load reads and parses a bench description file.
func Load(path string) (*Bench, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(raw)
}

// Parse parses and validates a bench description document.
func Parse(raw []byte) (*Bench, error) {
	var b Bench
	if err := yaml.UnmarshalStrict(raw, &b); err != nil {
		return nil, fmt.Errorf("parse bench description: %w", err)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	return &b, nil
}

// Adapter returns the adapter with the given name, or nil when absent.
func (b *Bench) Adapter(name string) *Adapter {
	for i := range b.Adapters {
		if b.Adapters[i].Name == name {
			return &b.Adapters[i]
		}
	}

	return nil
}

// Instrument returns the instrument with the given name, or nil when absent.
func (b *Bench) Instrument(name string) *Instrument {
	for i := range b.Instruments {
		if b.Instruments[i].Name == name {
			return &b.Instruments[i]
		}
	}

	return nil
}

func (b *Bench) validate() error {
	if len(b.Adapters) == 0 {
		return fmt.Errorf("bench describes no adapters")
	}

	adapterNames := make(map[string]struct{}, len(b.Adapters))
	for _, adapter := range b.Adapters {
		if adapter.Name == "" {
			return fmt.Errorf("adapter without a name")
		}
		if _, dup := adapterNames[adapter.Name]; dup {
			return fmt.Errorf("duplicate adapter name %q", adapter.Name)
		}
		adapterNames[adapter.Name] = struct{}{}

		switch adapter.Kind {
		case KindUSB, KindEthernet:
		default:
			return fmt.Errorf("adapter %q has unknown kind %q", adapter.Name, adapter.Kind)
		}

		if adapter.Kind == KindUSB && adapter.Host != "" {
			return fmt.Errorf("adapter %q is usb but sets a host", adapter.Name)
		}
	}

	instrumentNames := make(map[string]struct{}, len(b.Instruments))
	for _, inst := range b.Instruments {
		if inst.Name == "" {
			return fmt.Errorf("instrument without a name")
		}
		if _, dup := instrumentNames[inst.Name]; dup {
			return fmt.Errorf("duplicate instrument name %q", inst.Name)
		}
		instrumentNames[inst.Name] = struct{}{}

		if _, ok := adapterNames[inst.Adapter]; !ok {
			return fmt.Errorf("instrument %q references unknown adapter %q", inst.Name, inst.Adapter)
		}

		if !inst.Address.Valid() {
			return fmt.Errorf("instrument %q has invalid bus address %d", inst.Name, inst.Address)
		}
	}

	return nil
}
