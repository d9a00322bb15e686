package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCoversSeededOptions(t *testing.T) {
	for _, name := range []string{
		OptServerID, OptLeaseTime, OptRenewalTime, OptRebindingTime,
		OptSubnetMask, OptBroadcastAddress, OptRouter, OptHostname,
		OptNameServer, OptDomain, OptRootPath, OptNTPServer,
		OptTFTPServer, OptTFTPFilename,
	} {
		_, ok := LookupOption(name)
		assert.True(t, ok, name)
	}
	_, ok := LookupOption(optEnabled)
	assert.False(t, ok, "enabled is reserved")
}

func TestRegistryCodes(t *testing.T) {
	def, ok := LookupOption(OptTFTPFilename)
	require.True(t, ok)
	assert.Equal(t, uint8(67), def.Code.Code())

	def, ok = LookupOption(OptRenewalTime)
	require.True(t, ok)
	assert.Equal(t, uint8(58), def.Code.Code())
}

func TestEncodeOptionsOrderAndRejects(t *testing.T) {
	encoded, rejects := encodeOptions(Options{
		OptTFTPFilename: "pxelinux.0",
		OptSubnetMask:   "24",
		OptLeaseTime:    "bogus",
		optEnabled:      "1",
		"mystery":       "x",
	})

	require.Len(t, encoded, 2)
	assert.Equal(t, OptSubnetMask, encoded[0].name)
	assert.Equal(t, OptTFTPFilename, encoded[1].name)

	require.Len(t, rejects, 2)
	assert.Equal(t, OptLeaseTime, rejects[0].Name)
	assert.Equal(t, "mystery", rejects[1].Name)
}

func TestEncoders(t *testing.T) {
	v, err := encodeMask("255.255.255.0")
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.IPMask(net.CIDRMask(24, 32)), v)

	v, err = encodeMask("/16")
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.IPMask(net.CIDRMask(16, 32)), v)

	_, err = encodeMask("255.0.255.0")
	assert.Error(t, err)
	_, err = encodeMask("33")
	assert.Error(t, err)

	v, err = encodeSeconds("3600")
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.Duration(time.Hour), v)

	v, err = encodeSeconds("90m")
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.Duration(90*time.Minute), v)

	_, err = encodeSeconds("-5s")
	assert.Error(t, err)
	_, err = encodeSeconds("500ms")
	assert.Error(t, err)
	_, err = encodeSeconds("1500ms")
	assert.Error(t, err)
	_, err = encodeSeconds("1000000h")
	assert.Error(t, err)
	_, err = encodeSeconds("4294967296")
	assert.Error(t, err)

	v, err = encodeSeconds("2000ms")
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.Duration(2*time.Second), v)

	v, err = encodeIPList("10.0.0.1, 10.0.0.2 10.0.0.3")
	require.NoError(t, err)
	assert.Len(t, v, 3)

	_, err = encodeIPList(" , ")
	assert.Error(t, err)
	_, err = encodeIP("fe80::1")
	assert.Error(t, err)

	_, err = encodeString("")
	assert.Error(t, err)
	_, err = encodeString(string(make([]byte, 256)))
	assert.Error(t, err)
}
