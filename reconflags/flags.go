// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reconflags provides flag support for bigrecon command line
// applications: the choice of execution system, its parallelism and
// devices, and the diagnostic outputs of a session.
package reconflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigrecon/exec"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents a system provider that can be configured by
// setting options via Set.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets one option, given as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that runs sessions on the
	// configured system.
	ExecOption() exec.Option
	// DefaultParallelism returns the default number of worker
	// machines for this provider.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a system provider under the
// provided name.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system profile: a named
// shorthand for a system and its options. For example, after
//
//	reconflags.RegisterSystemProfile("beamline", "ec2:instance=c5.9xlarge")
//
// -system=beamline is a synonym for -system=ec2:instance=c5.9xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the registered providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal runs partitions in-process.
type Internal struct{}

// Name implements Provider.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.
func (*Internal) Set(string) error {
	return fmt.Errorf("the internal system does not support any configuration")
}

// ExecOption implements Provider.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultParallelism implements Provider.
func (*Internal) DefaultParallelism() int { return 1 }

// Local runs partitions on worker processes on the local machine.
type Local struct{}

// Name implements Provider.
func (*Local) Name() string { return "local" }

// Set implements Provider.
func (*Local) Set(string) error {
	return fmt.Errorf("the local system does not support any configuration")
}

// ExecOption implements Provider.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultParallelism implements Provider.
func (*Local) DefaultParallelism() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// EC2 runs partitions on AWS EC2 instances.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.
func (*EC2) DefaultParallelism() int { return 4 }

// ExecOption implements Provider.
func (ec2 *EC2) ExecOption() exec.Option {
	system := &ec2system.System{Username: "unknown"}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("reconflags: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			system.InstanceType = val.(string)
		case "dataspace":
			system.Dataspace = val.(uint)
		case "rootsize":
			system.Diskspace = val.(uint)
		case "profile":
			system.InstanceProfile = val.(string)
		case "ondemand":
			system.OnDemand = val.(bool)
		}
	}
	return exec.Bigmachine(system)
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed system flag
// values.
func SystemHelpShort(prefix string) string {
	const format = `a bigrecon system is specified as follows: {internal,local,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed system flag
// values.
const SystemHelpLong = `A bigrecon system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types and their options are as follows:

internal: in-process execution, the default.
local: same machine, separate worker processes.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. c5.9xlarge
	dataspace=<number> - size of the data volume in GiB.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above.
`

// SystemFlag is a flag that selects a system provider and its
// options.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}
	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags holds the flags that configure a bigrecon session.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	Devices       int
	DeviceMemory  int64
	TracePath     string
	Metrics       bool

	// Registry holds the session's metrics when Metrics is set. It
	// is populated by ExecOptions.
	Registry *prometheus.Registry

	fs *flag.FlagSet
}

// Output returns the io.Writer for help and usage messages of the
// underlying flag set.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// ExecOptions returns the exec.Options specified by the flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		if err := bf.System.Set("internal"); err != nil {
			return nil, err
		}
	}
	if bf.Devices < 0 || bf.DeviceMemory < 0 {
		return nil, fmt.Errorf("bad device configuration: %d devices with %d bytes", bf.Devices, bf.DeviceMemory)
	}
	var sessStatus status.Status
	// Machine startup is displayed first.
	_ = sessStatus.Group(exec.BigmachineStatusGroup)
	_ = sessStatus.Groups()

	options := []exec.Option{exec.Status(&sessStatus), bf.System.Provider.ExecOption()}
	if bf.Parallelism > 0 {
		options = append(options, exec.Parallelism(bf.Parallelism))
	} else {
		options = append(options, exec.Parallelism(bf.System.Provider.DefaultParallelism()))
	}
	if bf.Devices > 0 {
		options = append(options, exec.Devices(bf.Devices))
	}
	options = append(options, exec.DeviceMemory(bf.DeviceMemory))
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	if bf.Metrics {
		if bf.Registry == nil {
			bf.Registry = prometheus.NewRegistry()
		}
		options = append(options, exec.Registry(bf.Registry))
	}
	return options, nil
}

// Defaults holds default values of the flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	Devices       int
	DeviceMemory  int64
	Metrics       bool
}

// RegisterFlags registers the bigrecon flags with the provided flag
// set. Flag names are prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
		Devices:     runtime.GOMAXPROCS(0),
		Metrics:     true,
	})
}

// RegisterFlagsWithDefaults registers the bigrecon flags with the
// provided flag set and defaults. Flag names are prefixed with
// prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	bf.System.Set(defaults.System)
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "number of worker machines; 0 requests an appropriate default for the system")
	fs.IntVar(&bf.Devices, prefix+"devices", defaults.Devices, "number of devices per worker")
	fs.Int64Var(&bf.DeviceMemory, prefix+"device-memory", defaults.DeviceMemory, "memory budget of each device in bytes; 0 is unlimited")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path to which a trace of partition passes is written on shutdown")
	fs.BoolVar(&bf.Metrics, prefix+"metrics", defaults.Metrics, "export prometheus metrics on /metrics")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
