// Package devices provides a GPIO/SPI shim over github.com/kidoman/embd for chip drivers
// that were themselves written against an older periph.io generation.
package devices
