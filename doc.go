// Zeroconf is a pure Golang engine for discovering and publishing services on the local network.
//
// It is compatible with Avahi, Bonjour, etc. and implements:
//
// - RFC 6762: Multicast DNS (mDNS)
// - RFC 6763: DNS Service Discovery (DNS-SD)
//
// An Engine carries both roles: register services to answer for them, and
// browse to discover what others answer for.
package zeroconf
