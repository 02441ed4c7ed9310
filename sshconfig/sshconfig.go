// Package sshconfig builds OpenSSH client configuration documents.
//
// Build assembles Stanza records from hosts and options; Document.WriteTo is
// the only place text is produced.
package sshconfig

import (
	"fmt"
	"io"
	"strings"
)

// Directive names as spelled in ssh_config(5)
const (
	HostName              = "HostName"
	User                  = "User"
	IdentityFile          = "IdentityFile"
	ProxyCommand          = "ProxyCommand"
	DynamicForward        = "DynamicForward"
	StrictHostKeyChecking = "StrictHostKeyChecking"
	UserKnownHostsFile    = "UserKnownHostsFile"
	ServerAliveInterval   = "ServerAliveInterval"
)

const (
	// IdentityFileExt is appended to the key pair name
	IdentityFileExt = ".pem"

	proxyCommandFormat = "ssh %s /bin/nc %%h %%p 2> /dev/null"
	indent             = "  "
)

type Directive struct {
	Key   string
	Value string
}

// Stanza is one Host block
type Stanza struct {
	Host       string
	Directives []Directive
}

func (s *Stanza) add(key, value string) {
	s.Directives = append(s.Directives, Directive{Key: key, Value: value})
}

// Value returns the first value of key and whether it was present
func (s Stanza) Value(key string) (string, bool) {
	for _, d := range s.Directives {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// Document is an ordered list of stanzas
type Document struct {
	Stanzas []Stanza
}

// WriteTo serializes the document. Each stanza is followed by a blank line.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	for _, s := range d.Stanzas {
		sb.WriteString("Host ")
		sb.WriteString(s.Host)
		sb.WriteByte('\n')
		for _, dir := range s.Directives {
			sb.WriteString(indent)
			sb.WriteString(dir.Key)
			sb.WriteByte(' ')
			sb.WriteString(dir.Value)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (d *Document) String() string {
	var sb strings.Builder
	_, _ = d.WriteTo(&sb)
	return sb.String()
}

// ProxyCommandFor returns the ProxyCommand value tunnelling through proxy
func ProxyCommandFor(proxy string) string {
	return fmt.Sprintf(proxyCommandFormat, proxy)
}

// NormalizeKeyFolder makes sure folder ends with a slash
func NormalizeKeyFolder(folder string) string {
	if folder == "" || strings.HasSuffix(folder, "/") {
		return folder
	}
	return folder + "/"
}
