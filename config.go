package parscan

import (
	"os"
	"strconv"
	"strings"

	"github.com/exascience/parscan/kernel"
)

// ConfigEnvVar is the environment variable NewContext reads its
// configuration string from, unless WithConfig is given. See ParseConfig
// for the format.
const ConfigEnvVar = "PARSCAN_CONFIG"

// Config are the tunables of a Context.
type Config struct {
	// ThreadsPerBlock is the number of threads of one block. It must be a
	// power of two.
	ThreadsPerBlock int

	// ElementsPerThread is the number of consecutive elements every
	// thread folds sequentially.
	ElementsPerThread int

	// ReuseScratch keeps the sums buffers of finished calls for later
	// calls instead of returning them to the device.
	ReuseScratch bool

	// MaxIdlePerKey bounds the idle sums buffers kept per element type,
	// level, and size when ReuseScratch is set.
	MaxIdlePerKey int

	// CompileShaders also specialises WGSL kernels, for operators that
	// have a shader form, and compiles them to SPIR-V.
	CompileShaders bool

	// MaxLevels is the deepest recursion a call may plan.
	MaxLevels int
}

// DefaultConfig returns 256 threads of 8 elements per block, no scratch
// reuse, no shaders, and at most 8 recursion levels.
func DefaultConfig() Config {
	return Config{
		ThreadsPerBlock:   kernel.DefaultLayout.ThreadsPerBlock,
		ElementsPerThread: kernel.DefaultLayout.ElementsPerThread,
		MaxIdlePerKey:     4,
		MaxLevels:         8,
	}
}

// Layout returns the block layout of the configuration.
func (c Config) Layout() kernel.Layout {
	return kernel.Layout{ThreadsPerBlock: c.ThreadsPerBlock, ElementsPerThread: c.ElementsPerThread}
}

func (c Config) validate() error {
	if err := c.Layout().Validate(); err != nil {
		return configurationErrorf("%v", err)
	}
	if c.MaxLevels < 1 {
		return configurationErrorf("max levels must be positive, got %d", c.MaxLevels)
	}
	if c.MaxIdlePerKey < 0 {
		return configurationErrorf("max idle buffers per key must not be negative, got %d", c.MaxIdlePerKey)
	}
	return nil
}

/*
ParseConfig parses a comma-separated list of key=value pairs on top of
DefaultConfig. The keys are:

	threads   ThreadsPerBlock
	elements  ElementsPerThread
	reuse     ReuseScratch
	idle      MaxIdlePerKey
	shaders   CompileShaders
	levels    MaxLevels

For example "threads=128,elements=4,reuse=true". Boolean keys given
without a value are set to true. Unknown keys and malformed values are
ConfigurationErrors.
*/
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "threads":
			c.ThreadsPerBlock, err = strconv.Atoi(value)
		case "elements":
			c.ElementsPerThread, err = strconv.Atoi(value)
		case "idle":
			c.MaxIdlePerKey, err = strconv.Atoi(value)
		case "levels":
			c.MaxLevels, err = strconv.Atoi(value)
		case "reuse":
			c.ReuseScratch, err = parseFlag(value, hasValue)
		case "shaders":
			c.CompileShaders, err = parseFlag(value, hasValue)
		default:
			return Config{}, configurationErrorf("unknown configuration key %q in %q", key, config)
		}
		if err != nil {
			return Config{}, configurationErrorf("bad value for %q in %q: %v", key, config, err)
		}
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseFlag(value string, hasValue bool) (bool, error) {
	if !hasValue {
		return true, nil
	}
	return strconv.ParseBool(value)
}

func (c Config) String() string {
	return "threads=" + strconv.Itoa(c.ThreadsPerBlock) +
		",elements=" + strconv.Itoa(c.ElementsPerThread) +
		",reuse=" + strconv.FormatBool(c.ReuseScratch) +
		",idle=" + strconv.Itoa(c.MaxIdlePerKey) +
		",shaders=" + strconv.FormatBool(c.CompileShaders) +
		",levels=" + strconv.Itoa(c.MaxLevels)
}

func configFromEnv() (Config, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return ParseConfig(config)
	}
	return DefaultConfig(), nil
}
