// Package vsock implements the virtio-vsock device model and provides access
// to Linux VM sockets (AF_VSOCK) on the host side of that device.
//
// Packets are parsed directly out of descriptor chains in guest memory:
//
//   - FromTxChain parses a packet the driver placed on the TX queue
//   - FromRxChain prepares a driver-provided RX buffer to be filled
//
// A Muxer connects guest streams to host sockets by pumping packets between
// the TX and RX queues and a set of net.Conns.
//
// The host socket types implement interfaces provided by package net and
// may be used in applications that expect a net.Listener or net.Conn.
//
//   - *Addr implements net.Addr
//   - *Conn implements net.Conn
//   - *Listener implements net.Listener
package vsock
