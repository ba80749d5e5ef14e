package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtendInfoRoundTrip(t *testing.T) {
	ext := ExtendInfoFromRemoteAddr(0xdeadbeef)
	addr, ok := RemoteAddrFromExtendInfo(ext)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), addr)
}

func TestRemoteAddrFromExtendInfo(t *testing.T) {
	tests := []struct {
		name     string
		ext      ExtendInfo
		wantAddr uint64
		wantOK   bool
	}{
		{name: "nil carrier", ext: nil},
		{name: "empty carrier", ext: ExtendInfo{}},
		{name: "uint64 element", ext: ExtendInfo{uint64(0x1000)}, wantAddr: 0x1000, wantOK: true},
		{name: "uintptr element", ext: ExtendInfo{uintptr(0x2000)}, wantAddr: 0x2000, wantOK: true},
		{name: "null address", ext: ExtendInfo{uint64(0)}},
		{name: "wrong type", ext: ExtendInfo{"0x1000"}},
		{name: "extra elements ignored", ext: ExtendInfo{uint64(0x3000), "reserved"}, wantAddr: 0x3000, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := RemoteAddrFromExtendInfo(tt.ext)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}
