package server

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/migadu/courier/consts"
)

// RFC 5322 dot-atom local part and a dotted host name domain.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

const (
	maxLocalPartLength = 64
	maxAddressLength   = 254
)

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a syntactically valid, lower-cased local-part@domain mailbox address.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) String() string {
	return a.fullAddress
}

// IsZero reports whether a holds no address.
func (a Address) IsZero() bool {
	return a.fullAddress == ""
}

// NewAddress validates a bare address. Whitespace anywhere, a missing or
// repeated "@", and empty or malformed local parts and domains are rejected
// with an error wrapping consts.ErrInvalidAddress.
func NewAddress(input string) (Address, error) {
	if input == "" {
		return Address{}, fmt.Errorf("%w: address is empty", consts.ErrInvalidAddress)
	}
	if strings.ContainsAny(input, " \t\r\n") {
		return Address{}, fmt.Errorf("%w: address contains whitespace: '%s'", consts.ErrInvalidAddress, input)
	}
	if len(input) > maxAddressLength {
		return Address{}, fmt.Errorf("%w: address too long", consts.ErrInvalidAddress)
	}

	localPart, domain, found := strings.Cut(strings.ToLower(input), "@")
	if !found {
		return Address{}, fmt.Errorf("%w: address missing @: '%s'", consts.ErrInvalidAddress, input)
	}
	if strings.Contains(domain, "@") {
		return Address{}, fmt.Errorf("%w: too many @ symbols in address: '%s'", consts.ErrInvalidAddress, input)
	}
	if localPart == "" || len(localPart) > maxLocalPartLength || !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("%w: unacceptable local part: '%s'", consts.ErrInvalidAddress, localPart)
	}
	if domain == "" || !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("%w: unacceptable domain: '%s'", consts.ErrInvalidAddress, domain)
	}

	return Address{
		fullAddress: localPart + "@" + domain,
		localPart:   localPart,
		domain:      domain,
	}, nil
}

// ParsePath extracts the address from the strict "<address>" form that
// MAIL FROM and RCPT TO require.
func ParsePath(arg string) (Address, error) {
	inner, ok := stripBrackets(arg)
	if !ok {
		return Address{}, fmt.Errorf("%w: expected <address>, got '%s'", consts.ErrInvalidAddress, arg)
	}
	return NewAddress(inner)
}

// VerifyCandidate returns the lookup key for a VRFY argument: the bracketed
// form is unwrapped, a bare token is used as is.
func VerifyCandidate(arg string) string {
	if inner, ok := stripBrackets(arg); ok {
		return inner
	}
	return arg
}

func stripBrackets(s string) (string, bool) {
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return "", false
	}
	return s[1 : len(s)-1], true
}
