// Package config loads session and link defaults from an INI file, the
// same format and library the teacher uses for object-dictionary EDS
// files, repurposed here for the much smaller job of supplying
// transport.Params and link dial parameters without recompiling.
//
// Grounded on pkg/od/parser_v1.go's ini.v1-based parser: load the file,
// walk its sections by name, and read typed values off ini.Key rather
// than unmarshalling into a tagged struct.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/winlink/winlink/pkg/transport"
)

// Link carries the dial-time parameters for this module's link
// implementations (pkg/link/l2cap in particular); fields an application
// doesn't need stay at their zero value.
type Link struct {
	Address string
	PSM     uint16
	MTU     int
}

// File is the parsed contents of a session-defaults INI file: one
// [session] section mapping to transport.Params, one optional [link]
// section mapping to Link.
type File struct {
	Session transport.Params
	Link    Link
}

// Load parses path (or an in-memory source ini.Load also accepts: a
// []byte, io.Reader, etc.) as a session-defaults file.
//
//	[session]
//	block_size      = 246
//	window_size     = 8
//	timeout_ms      = 200
//	max_retransmits = 4
//	expiry_ms       = 30000
//
//	[link]
//	address = AA:BB:CC:DD:EE:FF
//	psm     = 4097
//	mtu     = 251
func Load(source any) (*File, error) {
	raw, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	f := &File{}
	if raw.HasSection("session") {
		s := raw.Section("session")
		f.Session = transport.Params{
			BlockSize:      uint32(s.Key("block_size").MustUint(0)),
			WindowSize:     uint32(s.Key("window_size").MustUint(4)),
			TimeoutMs:      uint32(s.Key("timeout_ms").MustUint(200)),
			MaxRetransmits: uint32(s.Key("max_retransmits").MustUint(4)),
			ExpiryMs:       uint32(s.Key("expiry_ms").MustUint(30000)),
		}
	}
	if raw.HasSection("link") {
		l := raw.Section("link")
		f.Link = Link{
			Address: l.Key("address").String(),
			PSM:     uint16(l.Key("psm").MustUint(0)),
			MTU:     l.Key("mtu").MustInt(251),
		}
	}
	return f, nil
}
