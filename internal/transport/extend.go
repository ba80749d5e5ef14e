package transport

// ExtendInfo is the ordered, heterogeneous argument carrier the tensor-table
// layer passes alongside a transfer. Element 0 must hold the opaque remote
// virtual address as a pointer-sized value; further elements are reserved.
type ExtendInfo []any

// ExtendInfoFromRemoteAddr builds the carrier for a resolved remote address.
func ExtendInfoFromRemoteAddr(addr uint64) ExtendInfo {
	return ExtendInfo{addr}
}

// RemoteAddrFromExtendInfo extracts the remote virtual address. A missing
// carrier, a wrongly-typed element, or a null address all report false.
func RemoteAddrFromExtendInfo(ext ExtendInfo) (uint64, bool) {
	if len(ext) == 0 {
		return 0, false
	}
	switch v := ext[0].(type) {
	case uint64:
		return v, v != 0
	case uintptr:
		return uint64(v), v != 0
	default:
		return 0, false
	}
}
