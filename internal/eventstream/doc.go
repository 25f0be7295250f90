// Package eventstream runs the receive loop between a subscription and an
// event processor.
//
// Undecodable datagrams and receive buffer overruns are counted and
// skipped. Kernel errors and transport failures end the stream; Wait
// returns them.
package eventstream
