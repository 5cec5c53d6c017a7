// Package jobid implements the multi-encoding JOBID parse/encode rule
// from spec §6: decimal, 0x-prefixed hex, dotted-hex, an F58
// (base58-with-"f"-prefix) short form, and the KVS path form under
// which a job's eventlog and state live.
package jobid

import (
	"strconv"
	"strings"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/mr-tron/base58"
)

// ID is a 64-bit job identifier.
type ID uint64

// Forms accepted by Encode, matching the original CLI's --to= names.
const (
	FormDec    = "dec"
	FormHex    = "hex"
	FormDotHex = "dothex"
	FormF58    = "f58"
	FormKVS    = "kvs"
)

// Parse auto-detects src's encoding and returns the decoded ID. The
// detection order matters: kvs path first (unambiguous "job." prefix),
// then 0x hex, then dothex (contains '.' but not a kvs path), then f58
// (any input with a leading 'f' or 'F' is decoded as base58), falling
// back to decimal.
func Parse(src string) (ID, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return 0, errno.New(errno.InvalidArg, "jobid: empty input")
	}

	if rest, ok := strings.CutPrefix(s, "job."); ok {
		return parseDotHex(rest)
	}
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return parseHex(rest)
	}
	if strings.Contains(s, ".") {
		return parseDotHex(s)
	}
	if len(s) > 1 && (s[0] == 'f' || s[0] == 'F') {
		if id, err := parseF58(s[1:]); err == nil {
			return id, nil
		}
	}
	return parseDec(s)
}

func parseDec(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid decimal id", s)
	}
	return ID(v), nil
}

func parseHex(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid hex id", s)
	}
	return ID(v), nil
}

// parseDotHex decodes the dotted-hex form: exactly four 16-bit groups,
// most-significant first, e.g. "0000.0000.0000.002a".
func parseDotHex(s string) (ID, error) {
	groups := strings.Split(s, ".")
	if len(groups) != 4 {
		return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid dothex id", s)
	}
	var v uint64
	for _, g := range groups {
		if len(g) == 0 || len(g) > 4 {
			return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid dothex id", s)
		}
		part, err := strconv.ParseUint(g, 16, 16)
		if err != nil {
			return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid dothex id", s)
		}
		v = v<<16 | part
	}
	return ID(v), nil
}

// parseF58 decodes the base58 payload following the leading 'f'.
func parseF58(payload string) (ID, error) {
	b, err := base58.Decode(payload)
	if err != nil {
		return 0, errno.New(errno.InvalidArg, "jobid: %q is not a valid f58 id", payload)
	}
	if len(b) > 8 {
		return 0, errno.New(errno.InvalidArg, "jobid: f58 payload overflows 64 bits")
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return ID(v), nil
}

// Encode renders id in the named form.
func (id ID) Encode(form string) (string, error) {
	switch form {
	case FormDec, "":
		return strconv.FormatUint(uint64(id), 10), nil
	case FormHex:
		return "0x" + strconv.FormatUint(uint64(id), 16), nil
	case FormDotHex:
		return id.dotHex(), nil
	case FormKVS:
		return "job." + id.dotHex(), nil
	case FormF58:
		return id.f58(), nil
	default:
		return "", errno.New(errno.Proto, "jobid: unknown encoding form %q", form)
	}
}

func (id ID) dotHex() string {
	v := uint64(id)
	groups := make([]string, 4)
	for i := 3; i >= 0; i-- {
		groups[i] = strconv.FormatUint(v&0xffff, 16)
		for len(groups[i]) < 4 {
			groups[i] = "0" + groups[i]
		}
		v >>= 16
	}
	return strings.Join(groups, ".")
}

func (id ID) f58() string {
	v := uint64(id)
	var b []byte
	for i := 7; i >= 0; i-- {
		shift := uint(i) * 8
		b = append(b, byte(v>>shift))
	}
	// Trim leading zero bytes so small ids encode to short strings,
	// matching base58's usual leading-zero handling.
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return "f" + base58.Encode(b[i:])
}

// String renders id in decimal, satisfying fmt.Stringer.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
