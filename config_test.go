package parscan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/parscan"
	"github.com/exascience/parscan/device"
)

func TestParseConfig(t *testing.T) {
	c, err := parscan.ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, parscan.DefaultConfig(), c)

	c, err = parscan.ParseConfig(" threads=128, elements=4,reuse ,idle=2,shaders=false,levels=3")
	require.NoError(t, err)
	assert.Equal(t, parscan.Config{
		ThreadsPerBlock:   128,
		ElementsPerThread: 4,
		ReuseScratch:      true,
		MaxIdlePerKey:     2,
		MaxLevels:         3,
	}, c)
	assert.Equal(t, 512, c.Layout().ElementsPerBlock())

	again, err := parscan.ParseConfig(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, again)

	for _, bad := range []string{
		"threads=100",
		"threads=x",
		"elements=0",
		"levels=0",
		"idle=-1",
		"reuse=maybe",
		"colour=blue",
	} {
		_, err := parscan.ParseConfig(bad)
		assert.True(t, parscan.IsConfigurationError(err), bad)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv(parscan.ConfigEnvVar, "threads=8,elements=2")
	c, err := parscan.NewContext(device.New())
	require.NoError(t, err)
	assert.Equal(t, 8, c.Config().ThreadsPerBlock)
	assert.Equal(t, 2, c.Config().ElementsPerThread)

	// WithConfig takes precedence.
	c, err = parscan.NewContext(device.New(), parscan.WithConfig(parscan.DefaultConfig()))
	require.NoError(t, err)
	assert.Equal(t, 256, c.Config().ThreadsPerBlock)

	t.Setenv(parscan.ConfigEnvVar, "threads=banana")
	_, err = parscan.NewContext(device.New())
	assert.True(t, parscan.IsConfigurationError(err))

	_, err = parscan.NewContext(device.New(), parscan.WithConfigString("elements=-2"))
	assert.True(t, parscan.IsConfigurationError(err))
	_, err = parscan.NewContext(nil)
	assert.True(t, parscan.IsConfigurationError(err))
}

func TestContextStreams(t *testing.T) {
	d := device.New()
	s := d.NewStream("scans")
	c, err := parscan.NewContext(d, parscan.WithConfig(small), parscan.WithStream(s))
	require.NoError(t, err)
	assert.Same(t, s, c.Stream())
	assert.Same(t, d, c.Device())

	_, err = parscan.NewContext(device.New(), parscan.WithConfig(small), parscan.WithStream(s))
	assert.True(t, parscan.IsConfigurationError(err))
}
