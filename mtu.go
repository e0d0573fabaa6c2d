// SPDX-License-Identifier: GPL-3.0-or-later

package upn

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)
