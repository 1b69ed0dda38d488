// Package tcpx provides the TCP transport layer: clients and servers
// whose connections carry a named stage chain for proxy tunneling,
// TLS, throttling, and stats, plus outbound and inbound bridges for
// sending and receiving over a connection's owning worker.
//
// A connection becomes active only after every handshake stage on its
// chain succeeded. Code waiting on Conn.Ready therefore never sees a
// half-established channel.
package tcpx
