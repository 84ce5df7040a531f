// Package channel enumerates the physical and network channels a discovery
// pass can probe.
//
// A channel is a place a device might answer: a serial port path such as
// /dev/ttyUSB0, or a TCP endpoint such as 192.168.1.50:502. Serial ports are
// asked of the operating system fresh on every pass because USB replug events
// rename them; network endpoints come from site configuration. The channel
// address is the stable string stored in device records and channel history.
package channel
