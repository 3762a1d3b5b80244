package wire

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultCharsetName is used when no charset is configured.
const DefaultCharsetName = "US-ASCII"

// Charset converts packet strings to and from their wire bytes.
// The zero value behaves like DefaultCharset.
type Charset struct {
	name string
	enc  encoding.Encoding
}

var defaultCharset = mustLookup(DefaultCharsetName)

// DefaultCharset returns the US-ASCII charset.
func DefaultCharset() Charset {
	return defaultCharset
}

// LookupCharset resolves an IANA charset name. An empty name yields DefaultCharset.
func LookupCharset(name string) (Charset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultCharsetName
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return Charset{}, fmt.Errorf("%w: %q", ErrUnsupportedCharset, name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil || canonical == "" {
		canonical = strings.ToUpper(name)
	}
	return Charset{name: canonical, enc: enc}, nil
}

func mustLookup(name string) Charset {
	cs, err := LookupCharset(name)
	if err != nil {
		panic(err)
	}
	return cs
}

// Name returns the canonical IANA name.
func (c Charset) Name() string {
	if c.enc == nil {
		return defaultCharset.name
	}
	return c.name
}

// Encode converts s into charset bytes. Runes the charset cannot represent are
// replaced with the charset's replacement byte.
func (c Charset) Encode(s string) ([]byte, error) {
	enc := c.encoding()
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrCharset, c.Name(), err)
	}
	return []byte(out), nil
}

// Decode converts charset bytes into a string.
func (c Charset) Decode(b []byte) (string, error) {
	out, err := c.encoding().NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrCharset, c.Name(), err)
	}
	return string(out), nil
}

func (c Charset) encoding() encoding.Encoding {
	if c.enc == nil {
		return defaultCharset.enc
	}
	return c.enc
}
