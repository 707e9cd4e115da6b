// Package command turns a parsed RESP array into a typed Command. Parsing
// is a pure total function: no store or registry access, only arity and
// argument-shape validation.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redisq/redisq/internal/protocol"
)

// ErrParse wraps every command-parsing failure: unknown command names,
// wrong arity, and malformed arguments all surface as a RESP SimpleError on
// the originating connection.
var ErrParse = errors.New("command: parse error")

// Kind identifies which command a Command carries.
type Kind int

const (
	Ping Kind = iota
	Echo
	Get
	Set
	Incr
	Type
	Rpush
	Lpush
	Rpop
	Lpop
	Blpop
	Llen
	Lrange
	Xadd
	Xrange
	Xread
	Multi
	Exec
	Discard
	Subscribe
	Unsubscribe
	Publish
)

// Command is the typed result of parsing one RESP array request. Only the
// fields relevant to Kind are populated.
type Command struct {
	Kind Kind

	Key    []byte
	Keys   [][]byte
	Value  []byte
	Values [][]byte // RPUSH/LPUSH elements, in argument order

	HasCount bool
	Count    int64

	HasPX    bool
	PXMillis int64

	TimeoutSec float64

	Start int64
	End   int64

	StreamID   string
	Fields     [][2][]byte // XADD field/value pairs, in argument order
	RangeStart string
	RangeEnd   string

	HasBlock  bool
	BlockMs   int64
	StreamIDs []string // XREAD per-key start IDs, aligned with Keys

	Channel string
	Message []byte
}

func arityErr(name string) error {
	return fmt.Errorf("%w: ERR wrong number of arguments for '%s' command", ErrParse, strings.ToLower(name))
}

func syntaxErr() error {
	return fmt.Errorf("%w: ERR syntax error", ErrParse)
}

func notIntErr() error {
	return fmt.Errorf("%w: ERR value is not an integer or out of range", ErrParse)
}

// Parse validates that v is a non-empty RESP array of BulkStrings and
// dispatches on its first element (the command name, case-insensitive).
func Parse(v protocol.Value) (Command, error) {
	if v.Type != protocol.TypeArray || v.Null || len(v.Array) == 0 {
		return Command{}, fmt.Errorf("%w: ERR expected a non-empty array request", ErrParse)
	}

	argv := make([][]byte, len(v.Array))
	for i, el := range v.Array {
		if el.Type != protocol.TypeBulkString || el.Null {
			return Command{}, fmt.Errorf("%w: ERR command arguments must be bulk strings", ErrParse)
		}
		argv[i] = el.Str
	}

	name := strings.ToUpper(string(argv[0]))
	switch name {
	case "PING":
		return parsePing(argv)
	case "ECHO":
		return parseEcho(argv)
	case "GET":
		return parseOneKey(Get, "get", argv)
	case "SET":
		return parseSet(argv)
	case "INCR":
		return parseOneKey(Incr, "incr", argv)
	case "TYPE":
		return parseOneKey(Type, "type", argv)
	case "RPUSH":
		return parsePush(Rpush, "rpush", argv)
	case "LPUSH":
		return parsePush(Lpush, "lpush", argv)
	case "RPOP":
		return parsePop(Rpop, "rpop", argv)
	case "LPOP":
		return parsePop(Lpop, "lpop", argv)
	case "BLPOP":
		return parseBlpop(argv)
	case "LLEN":
		return parseOneKey(Llen, "llen", argv)
	case "LRANGE":
		return parseLrange(argv)
	case "XADD":
		return parseXadd(argv)
	case "XRANGE":
		return parseXrange(argv)
	case "XREAD":
		return parseXread(argv)
	case "MULTI":
		return parseNullary(Multi, "multi", argv)
	case "EXEC":
		return parseNullary(Exec, "exec", argv)
	case "DISCARD":
		return parseNullary(Discard, "discard", argv)
	case "SUBSCRIBE":
		return parseChannel(Subscribe, "subscribe", argv)
	case "UNSUBSCRIBE":
		return parseChannel(Unsubscribe, "unsubscribe", argv)
	case "PUBLISH":
		return parsePublish(argv)
	default:
		return Command{}, fmt.Errorf("%w: ERR unknown command '%s'", ErrParse, name)
	}
}

func parsePing(argv [][]byte) (Command, error) {
	if len(argv) != 1 && len(argv) != 2 {
		return Command{}, arityErr("ping")
	}
	cmd := Command{Kind: Ping}
	if len(argv) == 2 {
		cmd.Value = argv[1]
	}
	return cmd, nil
}

func parseEcho(argv [][]byte) (Command, error) {
	if len(argv) != 2 {
		return Command{}, arityErr("echo")
	}
	return Command{Kind: Echo, Value: argv[1]}, nil
}

func parseOneKey(kind Kind, name string, argv [][]byte) (Command, error) {
	if len(argv) != 2 {
		return Command{}, arityErr(name)
	}
	return Command{Kind: kind, Key: argv[1]}, nil
}

func parseNullary(kind Kind, name string, argv [][]byte) (Command, error) {
	if len(argv) != 1 {
		return Command{}, arityErr(name)
	}
	return Command{Kind: kind}, nil
}

// parseSet parses "SET key value [PX ms]". Option tokens after key/value are
// walked in strict pairs starting right after value — an odd trailing token
// or an unrecognized option name is a syntax error; no index is skipped.
func parseSet(argv [][]byte) (Command, error) {
	if len(argv) < 3 {
		return Command{}, arityErr("set")
	}
	cmd := Command{Kind: Set, Key: argv[1], Value: argv[2]}

	rest := argv[3:]
	if len(rest)%2 != 0 {
		return Command{}, syntaxErr()
	}
	for i := 0; i < len(rest); i += 2 {
		switch strings.ToUpper(string(rest[i])) {
		case "PX":
			ms, err := strconv.ParseInt(string(rest[i+1]), 10, 64)
			if err != nil {
				return Command{}, notIntErr()
			}
			cmd.HasPX = true
			cmd.PXMillis = ms
		default:
			return Command{}, syntaxErr()
		}
	}
	return cmd, nil
}

func parsePush(kind Kind, name string, argv [][]byte) (Command, error) {
	if len(argv) < 3 {
		return Command{}, arityErr(name)
	}
	return Command{Kind: kind, Key: argv[1], Values: argv[2:]}, nil
}

func parsePop(kind Kind, name string, argv [][]byte) (Command, error) {
	if len(argv) != 2 && len(argv) != 3 {
		return Command{}, arityErr(name)
	}
	cmd := Command{Kind: kind, Key: argv[1]}
	if len(argv) == 3 {
		n, err := strconv.ParseInt(string(argv[2]), 10, 64)
		if err != nil {
			return Command{}, notIntErr()
		}
		cmd.HasCount = true
		cmd.Count = n
	}
	return cmd, nil
}

func parseBlpop(argv [][]byte) (Command, error) {
	if len(argv) != 3 {
		return Command{}, arityErr("blpop")
	}
	timeout, err := strconv.ParseFloat(string(argv[2]), 64)
	if err != nil {
		return Command{}, fmt.Errorf("%w: ERR timeout is not a float or out of range", ErrParse)
	}
	return Command{Kind: Blpop, Key: argv[1], TimeoutSec: timeout}, nil
}

func parseLrange(argv [][]byte) (Command, error) {
	if len(argv) != 4 {
		return Command{}, arityErr("lrange")
	}
	start, err := strconv.ParseInt(string(argv[2]), 10, 64)
	if err != nil {
		return Command{}, notIntErr()
	}
	end, err := strconv.ParseInt(string(argv[3]), 10, 64)
	if err != nil {
		return Command{}, notIntErr()
	}
	return Command{Kind: Lrange, Key: argv[1], Start: start, End: end}, nil
}

// parseXadd requires an odd total token count >= 5: name, key, id, then
// (field, value) pairs.
func parseXadd(argv [][]byte) (Command, error) {
	if len(argv) < 5 || len(argv)%2 == 0 {
		return Command{}, arityErr("xadd")
	}
	cmd := Command{Kind: Xadd, Key: argv[1], StreamID: string(argv[2])}
	fieldArgs := argv[3:]
	cmd.Fields = make([][2][]byte, 0, len(fieldArgs)/2)
	for i := 0; i < len(fieldArgs); i += 2 {
		cmd.Fields = append(cmd.Fields, [2][]byte{fieldArgs[i], fieldArgs[i+1]})
	}
	return cmd, nil
}

func parseXrange(argv [][]byte) (Command, error) {
	if len(argv) != 4 {
		return Command{}, arityErr("xrange")
	}
	return Command{Kind: Xrange, Key: argv[1], RangeStart: string(argv[2]), RangeEnd: string(argv[3])}, nil
}

// parseXread accepts an optional "BLOCK <ms>" prefix, the literal "STREAMS",
// then an equal number of keys and IDs — the split point is exactly
// len(remaining)/2.
func parseXread(argv [][]byte) (Command, error) {
	rest := argv[1:]
	cmd := Command{Kind: Xread}

	if len(rest) >= 2 && strings.EqualFold(string(rest[0]), "BLOCK") {
		ms, err := strconv.ParseInt(string(rest[1]), 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: ERR timeout is not an integer or out of range", ErrParse)
		}
		cmd.HasBlock = true
		cmd.BlockMs = ms
		rest = rest[2:]
	}

	if len(rest) < 1 || !strings.EqualFold(string(rest[0]), "STREAMS") {
		return Command{}, syntaxErr()
	}
	rest = rest[1:]

	if len(rest) == 0 || len(rest)%2 != 0 {
		return Command{}, fmt.Errorf("%w: ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.", ErrParse)
	}

	half := len(rest) / 2
	cmd.Keys = rest[:half]
	cmd.StreamIDs = make([]string, half)
	for i, id := range rest[half:] {
		cmd.StreamIDs[i] = string(id)
	}
	return cmd, nil
}

func parseChannel(kind Kind, name string, argv [][]byte) (Command, error) {
	if len(argv) != 2 {
		return Command{}, arityErr(name)
	}
	return Command{Kind: kind, Channel: string(argv[1])}, nil
}

func parsePublish(argv [][]byte) (Command, error) {
	if len(argv) != 3 {
		return Command{}, arityErr("publish")
	}
	return Command{Kind: Publish, Channel: string(argv[1]), Message: argv[2]}, nil
}
