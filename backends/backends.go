// Package backends defines the interface that a computation building and execution system
// needs to implement to be used by the xmap engine.
//
// The engine stages a computation with a Builder, compiles it to an Executable, and runs the
// same program across all participating devices (single-program-multiple-data). Collective
// operations (see Builder.AllReduce) synchronize across the devices of each replica group.
//
// A backend that doesn't implement every operation can simply return a "not implemented"
// error for any op, and it would still work for computations that don't require them.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, or should execute a computation.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by an xmap backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the portable Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from
	// devices for the backend.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// XMAP_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the go backend, it is the
// number of simulated devices).
const XMAP_BACKEND = "XMAP_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment XMAP_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(XMAP_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend and "<backend_configuration>"
// is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for xmap -- maybe import the default one with import _ "github.com/gomlx/xmap/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		// A bare backend name, without configuration.
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
