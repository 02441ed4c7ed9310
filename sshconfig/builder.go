package sshconfig

import (
	"sort"
	"strconv"
)

// Host is everything the builder needs to know about one instance
type Host struct {
	Name      string
	PrivateIP string
	PublicIP  string
	User      string
	KeyName   string
}

// GlobalOptions drive the wildcard stanza
type GlobalOptions struct {
	NoStrictCheck  bool
	NoHostKeyCheck bool
	KeepAlive      *int
}

func (g GlobalOptions) enabled() bool {
	return g.NoStrictCheck || g.NoHostKeyCheck || g.KeepAlive != nil
}

// Options are the per-run rendering settings
type Options struct {
	Prefix      string
	PrivateOnly bool
	// KeyFolder is prepended to key names; NormalizeKeyFolder is applied.
	KeyFolder string
	// Proxy is the prefixed bastion host name, empty when there is none.
	Proxy          string
	DynamicForward *int
	Global         GlobalOptions
}

// Build returns the global stanza (if any) followed by one stanza per host
// in ascending order of the prefixed name.
func Build(hosts []Host, opts Options) *Document {
	doc := &Document{}
	if global, ok := GlobalStanza(opts.Prefix, opts.Global); ok {
		doc.Stanzas = append(doc.Stanzas, global)
	}

	sorted := append([]Host(nil), hosts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	for _, h := range sorted {
		doc.Stanzas = append(doc.Stanzas, HostStanza(h, opts))
	}
	return doc
}

// GlobalStanza returns the "<prefix>*" stanza, or false when no global option is set
func GlobalStanza(prefix string, g GlobalOptions) (Stanza, bool) {
	if !g.enabled() {
		return Stanza{}, false
	}

	s := Stanza{Host: prefix + "*"}
	if g.NoStrictCheck {
		s.add(StrictHostKeyChecking, "no")
	}
	if g.NoHostKeyCheck {
		s.add(UserKnownHostsFile, "/dev/null")
	}
	if g.KeepAlive != nil {
		s.add(ServerAliveInterval, strconv.Itoa(*g.KeepAlive))
	}
	return s, true
}

// HostStanza renders one host
func HostStanza(h Host, opts Options) Stanza {
	s := Stanza{Host: opts.Prefix + h.Name}

	address, private := SelectAddress(h, opts.PrivateOnly)
	s.add(HostName, address)
	s.add(User, h.User)

	if h.KeyName != "" {
		s.add(IdentityFile, NormalizeKeyFolder(opts.KeyFolder)+h.KeyName+IdentityFileExt)
	}

	if opts.Proxy != "" {
		if s.Host == opts.Proxy {
			if opts.DynamicForward != nil {
				s.add(DynamicForward, strconv.Itoa(*opts.DynamicForward))
			}
		} else if private {
			s.add(ProxyCommand, ProxyCommandFor(opts.Proxy))
		}
	}
	return s
}

// SelectAddress picks the address to connect to and reports whether it is
// the private one. Outside private-only mode the public address is preferred.
func SelectAddress(h Host, privateOnly bool) (string, bool) {
	if privateOnly || h.PublicIP == "" {
		return h.PrivateIP, true
	}
	return h.PublicIP, false
}
