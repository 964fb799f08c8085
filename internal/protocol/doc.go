// Package protocol implements the droid backend wire codec.
//
// Every message is a single self-describing JSON object with a mandatory
// "type" discriminator. Encode validates per-tag required fields before
// anything touches the wire; Decode maps unknown inbound types to a
// generic event so newer backends never break older consoles.
package protocol
