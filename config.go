package rdma

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape accepted by LoadConfig.
type fileConfig struct {
	Device    string   `yaml:"device"`
	CQSize    int      `yaml:"cq_size"`
	GIDIndex  *int     `yaml:"gid_index"`
	MRChanCap int      `yaml:"mr_chan_cap"`
	Access    []string `yaml:"access"`
}

var accessNames = map[string]AccessFlags{
	"local-write":   AccessLocalWrite,
	"remote-write":  AccessRemoteWrite,
	"remote-read":   AccessRemoteRead,
	"remote-atomic": AccessRemoteAtomic,
}

// LoadConfig reads a YAML configuration file and returns the equivalent
// options, ready to pass to Dial or Listen. Unset fields keep their
// defaults.
//
//	device: mlx5_0
//	cq_size: 32
//	gid_index: 1
//	access: [local-write, remote-write, remote-read]
func LoadConfig(path string) ([]Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var opts []Option
	if fc.Device != "" {
		opts = append(opts, WithDevice(fc.Device))
	}
	if fc.CQSize > 0 {
		opts = append(opts, WithCQSize(fc.CQSize))
	}
	if fc.GIDIndex != nil {
		opts = append(opts, WithGIDIndex(*fc.GIDIndex))
	}
	if fc.MRChanCap > 0 {
		opts = append(opts, WithMRChanCap(fc.MRChanCap))
	}
	if len(fc.Access) > 0 {
		var access AccessFlags
		for _, name := range fc.Access {
			flag, ok := accessNames[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown access flag %q", ErrInvalidConfig, name)
			}
			access |= flag
		}
		opts = append(opts, WithAccess(access))
	}
	return opts, nil
}
