// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package control

import (
	"fmt"
	"strconv"

	"github.com/tve/lorameshd/group"
	"github.com/tve/lorameshd/mac"
	"github.com/tve/lorameshd/node"
	"github.com/tve/lorameshd/proto"
)

// RegisterNodeCommands installs the standard operator command set (spec §6.4) against c,
// wired to a running node.Context.
func RegisterNodeCommands(d *Dispatcher, c *node.Context) {
	d.Register("send", func(args []string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("usage: send <dest> <text>")
		}
		dest, err := parseAddr(args[0])
		if err != nil {
			return "", err
		}
		id, err := c.SendData(dest, []byte(args[1]), true, false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sent packet %d to %s", id, dest), nil
	})

	d.Register("beacon", func(args []string) (string, error) {
		c.Beacon()
		return "beacon sent", nil
	})

	d.Register("group", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("usage: group <join|send> ...")
		}
		switch args[0] {
		case "join":
			if len(args) < 2 {
				return "", fmt.Errorf("usage: group join <name>")
			}
			var key [32]byte
			copy(key[:], args[1])
			g, err := c.JoinGroup(args[1], key, false)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("joined group %s (id %08x)", args[1], g.ID), nil
		case "send":
			if len(args) < 3 {
				return "", fmt.Errorf("usage: group send <group_id_hex> <text>")
			}
			id, err := strconv.ParseUint(args[1], 16, 32)
			if err != nil {
				return "", err
			}
			if err := c.SendGroup(uint32(id), []byte(args[2]), group.MsgData); err != nil {
				return "", err
			}
			return "group message sent", nil
		default:
			return "", fmt.Errorf("unknown group subcommand %q", args[0])
		}
	})

	d.Register("mac", func(args []string) (string, error) {
		if len(args) < 1 {
			return fmt.Sprintf("state=%s", c.MAC.State()), nil
		}
		switch args[0] {
		case "on":
			c.MAC.SetEnabled(true)
			return "TDMA enabled", nil
		case "off":
			c.MAC.SetEnabled(false)
			return "TDMA disabled, forced CSMA_ONLY", nil
		case "sync":
			c.TimeSync()
			return "time sync broadcast", nil
		default:
			return "", fmt.Errorf("usage: mac <on|off|sync>")
		}
	})

	d.Register("time", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("usage: time <gps|ntp|host>")
		}
		var kind mac.TimeKind
		switch args[0] {
		case "gps":
			kind = mac.TimeGPS
		case "ntp":
			kind = mac.TimeNTP
		case "host":
			kind = mac.TimeHost
		default:
			return "", fmt.Errorf("unknown time source %q", args[0])
		}
		c.MAC.SetAuthoritativeTime(kind)
		return fmt.Sprintf("time source set to %s", args[0]), nil
	})

	d.Register("channel", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("usage: channel <0..7>")
		}
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil || n > 7 {
			return "", fmt.Errorf("channel must be 0..7, got %q", args[0])
		}
		c.SetChannel(byte(n))
		return fmt.Sprintf("channel set to %d", n), nil
	})

	d.Register("adr", func(args []string) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("usage: adr <peer>")
		}
		peer, err := parseAddr(args[0])
		if err != nil {
			return "", err
		}
		link, ok := c.ADRLinks[peer]
		if !ok {
			return "", fmt.Errorf("no ADR state for peer %s", peer)
		}
		return fmt.Sprintf("peer=%s recommended=SF%d negotiated=SF%d", peer, link.RecommendedSF, link.NegotiatedSF), nil
	})
}

func parseAddr(s string) (proto.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return proto.Addr(v), nil
}
