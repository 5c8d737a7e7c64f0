package commands

import (
	"errors"
	"strconv"
	"strings"
)

// errUnsupportedParam is returned by the MAIL/RCPT parameter parsers when
// the client sends a parameter keyword this server does not implement.
var errUnsupportedParam = errors.New("unsupported parameter")

// parseMailFrom parses the argument text of a MAIL command, of the form
// "FROM:<reverse-path> [SIZE=n] [BODY=8BITMIME]".
func parseMailFrom(args string) (addr string, size int64, body8bit bool, authParam string, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || !strings.HasPrefix(strings.ToUpper(fields[0]), "FROM:") {
		return "", 0, false, "", errors.New("expected FROM:<address>")
	}
	addr = unwrapAngles(fields[0][len("FROM:"):])

	for _, f := range fields[1:] {
		name, value, hasValue := cutParam(f)
		switch strings.ToUpper(name) {
		case "SIZE":
			if !hasValue {
				return "", 0, false, "", errors.New("malformed SIZE parameter")
			}
			n, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil || n < 0 {
				return "", 0, false, "", errors.New("malformed SIZE parameter")
			}
			size = n
		case "BODY":
			if hasValue && strings.EqualFold(value, "8BITMIME") {
				body8bit = true
			}
		case "AUTH":
			// Accepted and stored per RFC 4954 section 5, but never acted
			// on: this library has no concept of a trusted submission
			// relay that would make AUTH= meaningful.
			if hasValue {
				authParam = unwrapAngles(value)
			}
		default:
			return "", 0, false, "", errUnsupportedParam
		}
	}
	return addr, size, body8bit, authParam, nil
}

// parseRcptTo parses the argument text of a RCPT command, of the form
// "TO:<forward-path>". No parameters are supported.
func parseRcptTo(args string) (addr string, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || !strings.HasPrefix(strings.ToUpper(fields[0]), "TO:") {
		return "", errors.New("expected TO:<address>")
	}
	addr = unwrapAngles(fields[0][len("TO:"):])
	if len(fields) > 1 {
		return "", errUnsupportedParam
	}
	return addr, nil
}

func cutParam(f string) (name, value string, hasValue bool) {
	i := strings.IndexByte(f, '=')
	if i < 0 {
		return f, "", false
	}
	return f[:i], f[i+1:], true
}

func unwrapAngles(addr string) string {
	if len(addr) >= 2 && addr[0] == '<' && addr[len(addr)-1] == '>' {
		return addr[1 : len(addr)-1]
	}
	return addr
}
