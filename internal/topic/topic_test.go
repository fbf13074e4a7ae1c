package topic

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect Address
		err    bool
	}{
		{"devices/outlet-control-0001/$online", Address{"outlet-control-0001", "$online"}, false},
		{"devices/a/$implementation/ota/status", Address{"a", OtaStatus}, false},
		{"devices/a/firmware/0123abcd", Address{"a", "firmware/0123abcd"}, false},
		{"devices/$broadcast/IOTtime", Address{Broadcast, IOTtime}, false},
		{"environment/IOTtime", Address{Environment, IOTtime}, false},
		{"environment/a/b", Address{Environment, "a/b"}, false},
		{"devices/a", Address{}, true},
		{"devices/a/", Address{}, true},
		{"devices//x", Address{}, true},
		{"devices/under_score/x", Address{}, true},
		{"devices/$environment/x", Address{}, true},
		{"devices/$/x", Address{}, true},
		{"homie/a/x", Address{}, true},
		{"environment/", Address{}, true},
		{"devices", Address{}, true},
		{"", Address{}, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			a, err := Decode(c.input)
			if c.err {
				require.Error(t, err)
				assert.True(t, IsMalformed(err))
				assert.True(t, errors.IsNotValid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, a)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"devices/a/$online",
		"devices/alarm-state-0042/led/on/set",
		"devices/a/$implementation/ota/firmware",
		"devices/a/b/c/d/",
		"devices/$broadcast/IOTtime",
		"environment/IOTtime",
	} {
		a, err := Decode(input)
		require.NoError(t, err, input)
		assert.Equal(t, input, Build(a))
		assert.Equal(t, input, a.String())
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "devices/a/led/on/set", Set("a", "led/on"))
	assert.Equal(t, "devices/a/firmware/d41d8cd98f00b204e9800998ecf8427e", Firmware("a", "d41d8cd98f00b204e9800998ecf8427e"))
	assert.Equal(t, "devices/#", Filter(""))
	assert.Equal(t, "devices/a/#", Filter("a"))
	assert.Equal(t, "environment/IOTtime", Device(Environment, IOTtime))
	assert.True(t, IsReserved(Broadcast))
	assert.False(t, IsReserved("outlet-control-0000"))
}
