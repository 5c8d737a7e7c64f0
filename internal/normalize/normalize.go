// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"blitiri.com.ar/go/smtpd/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name using IDNA, converting it to its ASCII
// ("punycode") form. On error, it returns the original domain to simplify
// callers.
func Domain(domain string) (string, error) {
	norm, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// DomainToUnicode normalizes an email address's domain using IDNA,
// converting it to its Unicode form. On error, it returns the original
// address to simplify callers.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
