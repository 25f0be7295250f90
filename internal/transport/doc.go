// Package transport owns the NETLINK_CONNECTOR socket.
//
// It frames outgoing netlink messages, splits incoming datagrams into
// messages and classifies each one:
//
//	NLMSG_ERROR, errno 0     ->  Ack
//	NLMSG_ERROR, errno != 0  ->  ErrorPayload
//	anything else            ->  Data (raw connector bytes)
//
// Replies are returned as lazy sequences. Breaking out of the range loop
// is how a caller stops listening.
package transport
