package slotrouter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// RedirInfo is a decoded MOVED or ASK reply
type RedirInfo struct {
	// Kind is the redirection type, MOVED or ASK
	Kind string

	// Slot is the slot number the redirection names
	Slot int

	// Addr is the node address to redirect to
	Addr string

	// Raw is the original error string
	Raw string
}

// ParseRedirInfo parses a command error into a RedirInfo. Both results nil
// means the error is not a redirection; a non-nil error means the reply
// carried a MOVED/ASK prefix but a malformed body, which must not be
// mistaken for a routable target.
func ParseRedirInfo(err error) (*RedirInfo, error) {
	re, ok := err.(redis.Error)
	if !ok {
		return nil, nil
	}
	ri, perr := parseRedir(re, "MOVED")
	if ri != nil || perr != nil {
		return ri, perr
	}
	return parseRedir(re, "ASK")
}

// redirFromResult inspects one pipeline entry, error or reply, for a
// redirection. List replies are scanned element by element, first match
// wins.
func redirFromResult(reply interface{}, err error) (*RedirInfo, error) {
	if err != nil {
		return ParseRedirInfo(err)
	}
	list, ok := reply.([]interface{})
	if !ok {
		return nil, nil
	}
	ri, perr := parseRedir(list, "MOVED")
	if ri != nil || perr != nil {
		return ri, perr
	}
	return parseRedir(list, "ASK")
}

// parseRedir inspects a reply for a redirection of the given kind. String and
// error replies are matched directly; a list reply is scanned and the first
// matching element wins. A reply that carries the prefix but not the
// "<slot> <host>:<port>" body is a parse error, distinct from no match.
func parseRedir(reply interface{}, kind string) (*RedirInfo, error) {
	switch v := reply.(type) {
	case redis.Error:
		return parseRedirString(v.Error(), kind)
	case error:
		return parseRedirString(v.Error(), kind)
	case string:
		return parseRedirString(v, kind)
	case []byte:
		return parseRedirString(string(v), kind)
	case []interface{}:
		for _, el := range v {
			ri, err := parseRedir(el, kind)
			if err != nil {
				return nil, err
			}
			if ri != nil {
				return ri, nil
			}
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func parseRedirString(s, kind string) (*RedirInfo, error) {
	if s != kind && !strings.HasPrefix(s, kind+" ") {
		return nil, nil
	}
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed %s reply: %q", kind, s)
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed %s reply: %q", kind, s)
	}
	if !strings.Contains(parts[2], ":") {
		return nil, fmt.Errorf("malformed %s reply: %q", kind, s)
	}
	return &RedirInfo{
		Kind: parts[0],
		Slot: slot,
		Addr: parts[2],
		Raw:  s,
	}, nil
}

func isClusterDown(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(redis.Error); !ok {
		return false
	}
	return strings.HasPrefix(err.Error(), "CLUSTERDOWN")
}

// replyHasClusterDown scans a reply, including nested list replies, for the
// CLUSTERDOWN prefix
func replyHasClusterDown(reply interface{}) bool {
	switch v := reply.(type) {
	case redis.Error:
		return strings.HasPrefix(v.Error(), "CLUSTERDOWN")
	case string:
		return strings.HasPrefix(v, "CLUSTERDOWN")
	case []byte:
		return strings.HasPrefix(string(v), "CLUSTERDOWN")
	case []interface{}:
		for _, el := range v {
			if replyHasClusterDown(el) {
				return true
			}
		}
	}
	return false
}
