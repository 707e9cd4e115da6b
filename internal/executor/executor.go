// Package executor implements the connection state machine and the single
// command-execution entry point that the event loop (internal/server)
// drives from its one executor goroutine. Every exported method here is
// meant to be called from that single goroutine only — like store.Store and
// blocked.Registry, Executor carries no internal locking by design.
package executor

import (
	"errors"
	"strconv"
	"time"

	"github.com/redisq/redisq/internal/blocked"
	"github.com/redisq/redisq/internal/command"
	"github.com/redisq/redisq/internal/protocol"
	"github.com/redisq/redisq/internal/store"
	"github.com/redisq/redisq/internal/stream"
)

// Sentinel error kinds, surfaced as RESP SimpleErrors rather than returned
// as Go errors from Execute.
var (
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrState     = errors.New("ERR command not allowed in the connection's current state")
)

func wrongType() protocol.Value { return protocol.SimpleErr(ErrWrongType.Error()) }

// State is one of the three connection states a connection can be in.
type State int

const (
	StateStandard State = iota
	StateMulti
	StateSubscribed
)

// Connection is the per-connection record the executor reads and mutates.
// The server owns its lifecycle; the executor only ever sees it through
// Execute and Disconnect.
type Connection struct {
	ID           uint64
	State        State
	CommandQueue []command.Command
	Channels     map[string]bool
	SubCount     uint64
}

// NewConnection creates a Connection in the Standard state for clientID.
func NewConnection(clientID uint64) *Connection {
	return &Connection{ID: clientID, State: StateStandard}
}

// OutboundRouter delivers a RespValue to a client's outbound queue from
// outside the normal request/response path — list pushes, stream appends,
// and pub/sub messages all arrive at a waiting or subscribed client this
// way. The server package implements this over its per-connection outbound
// channels; Executor only needs the lookup-and-send behavior.
type OutboundRouter interface {
	Deliver(clientID uint64, v protocol.Value)
}

// Executor is the single point of command execution. It owns
// the data store, the stream index per key, the blocked-waiter registry, and
// the pub/sub registry — every piece of shared, mutable server state.
type Executor struct {
	store    *store.Store
	streams  map[string]*stream.Stream
	blocked  *blocked.Registry
	pubsub   map[string]map[uint64]bool // channel -> subscriber clientIDs
	outbound OutboundRouter
}

// New creates an Executor that delivers side-effect replies through
// outbound.
func New(outbound OutboundRouter) *Executor {
	return &Executor{
		store:    store.New(),
		streams:  make(map[string]*stream.Stream),
		blocked:  blocked.New(),
		pubsub:   make(map[string]map[uint64]bool),
		outbound: outbound,
	}
}

// Execute is the safe entry point the event loop calls: it recovers any
// panic from command execution and converts it to a generic internal error
// so one bad command can never take down the executor goroutine.
func (ex *Executor) Execute(cmd command.Command, conn *Connection, clientID uint64) (result protocol.Value) {
	defer func() {
		if r := recover(); r != nil {
			result = protocol.SimpleErr("ERR internal")
		}
	}()

	if conn.State == StateSubscribed && !subscribedAllowed(cmd.Kind) {
		return protocol.SimpleErr(ErrState.Error())
	}
	if conn.State == StateMulti && !transactionControl(cmd.Kind) {
		conn.CommandQueue = append(conn.CommandQueue, cmd)
		return protocol.SimpleStr("QUEUED")
	}
	return ex.dispatch(cmd, conn, clientID, true)
}

func subscribedAllowed(kind command.Kind) bool {
	switch kind {
	case command.Ping, command.Subscribe, command.Unsubscribe:
		return true
	default:
		return false
	}
}

func transactionControl(kind command.Kind) bool {
	switch kind {
	case command.Multi, command.Exec, command.Discard:
		return true
	default:
		return false
	}
}

// dispatch executes one already-guarded command. blockingAllowed is false
// only when dispatch is called from inside execExec: real blocking commands
// never actually suspend a client mid-transaction, so BLPOP/XREAD must
// report their immediate-timeout outcome instead of registering a blocked
// wait that nothing will ever unwind.
func (ex *Executor) dispatch(cmd command.Command, conn *Connection, clientID uint64, blockingAllowed bool) protocol.Value {
	switch cmd.Kind {
	case command.Ping:
		return ex.execPing(cmd, conn)
	case command.Echo:
		return protocol.Bulk(cmd.Value)
	case command.Get:
		return ex.execGet(string(cmd.Key))
	case command.Set:
		return ex.execSet(cmd)
	case command.Incr:
		return ex.execIncr(string(cmd.Key))
	case command.Type:
		return ex.execType(string(cmd.Key))
	case command.Rpush:
		return ex.execPush(cmd, true)
	case command.Lpush:
		return ex.execPush(cmd, false)
	case command.Rpop:
		return ex.execPop(cmd, false)
	case command.Lpop:
		return ex.execPop(cmd, true)
	case command.Blpop:
		return ex.execBlpop(cmd, clientID, blockingAllowed)
	case command.Llen:
		return ex.execLlen(string(cmd.Key))
	case command.Lrange:
		return ex.execLrange(cmd)
	case command.Xadd:
		return ex.execXadd(cmd)
	case command.Xrange:
		return ex.execXrange(cmd)
	case command.Xread:
		return ex.execXread(cmd, clientID, blockingAllowed)
	case command.Multi:
		return ex.execMulti(conn)
	case command.Exec:
		return ex.execExec(conn, clientID)
	case command.Discard:
		return ex.execDiscard(conn)
	case command.Subscribe:
		return ex.execSubscribe(cmd, conn, clientID)
	case command.Unsubscribe:
		return ex.execUnsubscribe(cmd, conn, clientID)
	case command.Publish:
		return ex.execPublish(cmd)
	default:
		return protocol.SimpleErr("ERR unknown command")
	}
}

func (ex *Executor) execPing(cmd command.Command, conn *Connection) protocol.Value {
	if conn.State == StateSubscribed {
		return protocol.Arr(protocol.BulkStr("pong"), protocol.BulkStr(""))
	}
	if cmd.Value != nil {
		return protocol.Bulk(cmd.Value)
	}
	return protocol.SimpleStr("PONG")
}

// execGet returns a BulkString encoding of the stored value: numbers and
// booleans are stringified, BulkString/SimpleString pass through, anything
// structured is WRONGTYPE.
func (ex *Executor) execGet(key string) protocol.Value {
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	if !ok {
		return protocol.NullBulk()
	}
	switch v.Type {
	case protocol.TypeBulkString, protocol.TypeSimpleString:
		return protocol.Bulk(v.Str)
	case protocol.TypeInteger:
		return protocol.BulkStr(strconv.FormatInt(v.Num, 10))
	case protocol.TypeBool:
		if v.Bool {
			return protocol.BulkStr("true")
		}
		return protocol.BulkStr("false")
	default:
		return wrongType()
	}
}

// execSet overwrites key unconditionally, per spec.md §4.G — including
// replacing a stream previously stored under the same name, since the store
// and stream maps together form one keyspace.
func (ex *Executor) execSet(cmd command.Command) protocol.Value {
	key := string(cmd.Key)
	delete(ex.streams, key)
	params := store.SetParams{HasPX: cmd.HasPX, ExpiryMs: cmd.PXMillis}
	ex.store.Set(key, protocol.Bulk(cmd.Value), params)
	return protocol.SimpleStr("OK")
}

// execIncr stores the post-increment value as an Integer RespValue
// regardless of the prior representation, so TYPE reports "string" for any
// scalar key whether it was written by SET or INCR (see DESIGN.md's Open
// Question decisions).
func (ex *Executor) execIncr(key string) protocol.Value {
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	var cur int64
	if ok {
		switch v.Type {
		case protocol.TypeInteger:
			cur = v.Num
		case protocol.TypeBulkString:
			n, err := strconv.ParseInt(string(v.Str), 10, 64)
			if err != nil {
				return protocol.SimpleErr("ERR value is not an integer or out of range")
			}
			cur = n
		default:
			return wrongType()
		}
	}
	next := cur + 1
	ex.store.Set(key, protocol.Int(next), store.SetParams{})
	return protocol.Int(next)
}

// isStream reports whether key currently holds a stream. Streams live in a
// map separate from the scalar/list store, so every command that reads the
// store as a string or list must consult this first to surface WRONGTYPE
// instead of silently treating a stream key as absent.
func (ex *Executor) isStream(key string) bool {
	_, ok := ex.streams[key]
	return ok
}

func (ex *Executor) execType(key string) protocol.Value {
	if _, ok := ex.streams[key]; ok {
		return protocol.SimpleStr("stream")
	}
	v, ok := ex.store.Get(key)
	if !ok {
		return protocol.SimpleStr("none")
	}
	switch v.Type {
	case protocol.TypeArray:
		return protocol.SimpleStr("array")
	case protocol.TypeSet:
		return protocol.SimpleStr("set")
	default:
		return protocol.SimpleStr("string")
	}
}

func (ex *Executor) storeList(key string, list []protocol.Value) {
	if len(list) == 0 {
		ex.store.Delete(key)
		return
	}
	ex.store.Set(key, protocol.ArrSlice(list), store.SetParams{})
}

// execPush creates an empty list if key is absent, then appends (RPUSH) or
// prepends in argument order (LPUSH) the pushed values. After mutation it
// wakes BLPOP waiters on this key one element at a time.
func (ex *Executor) execPush(cmd command.Command, appendTail bool) protocol.Value {
	key := string(cmd.Key)
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	var list []protocol.Value
	if ok {
		if v.Type != protocol.TypeArray {
			return wrongType()
		}
		list = v.Array
	}

	if appendTail {
		for _, val := range cmd.Values {
			list = append(list, protocol.Bulk(val))
		}
	} else {
		prefix := make([]protocol.Value, len(cmd.Values))
		for i, val := range cmd.Values {
			prefix[len(cmd.Values)-1-i] = protocol.Bulk(val)
		}
		list = append(prefix, list...)
	}

	ex.store.Set(key, protocol.ArrSlice(list), store.SetParams{})
	n := len(list)
	ex.deliverToListWaiters(key)
	return protocol.Int(int64(n))
}

// deliverToListWaiters pops one element per registered waiter, in FIFO
// registration order, until the list is empty or no waiter remains —
// guaranteeing at most one wake per pushed element.
func (ex *Executor) deliverToListWaiters(key string) {
	for {
		v, ok := ex.store.Get(key)
		if !ok || v.Type != protocol.TypeArray || len(v.Array) == 0 {
			return
		}
		rec, ok := ex.blocked.NextClientForKey(key, blocked.CommandBLPop)
		if !ok {
			return
		}
		elem := v.Array[0]
		ex.storeList(key, v.Array[1:])
		ex.outbound.Deliver(rec.ClientID, protocol.Arr(protocol.BulkStr(key), elem))
	}
}

// execPop implements LPOP/RPOP. A count <= 0 or greater than the list's size
// returns Null rather than a shorter array — a deliberate deviation from
// Redis, documented in DESIGN.md.
func (ex *Executor) execPop(cmd command.Command, fromLeft bool) protocol.Value {
	key := string(cmd.Key)
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	if !ok {
		return protocol.NullBulk()
	}
	if v.Type != protocol.TypeArray {
		return wrongType()
	}
	list := v.Array

	if !cmd.HasCount {
		if len(list) == 0 {
			return protocol.NullBulk()
		}
		var elem protocol.Value
		if fromLeft {
			elem, list = list[0], list[1:]
		} else {
			elem, list = list[len(list)-1], list[:len(list)-1]
		}
		ex.storeList(key, list)
		return elem
	}

	count := cmd.Count
	if count <= 0 || count > int64(len(list)) {
		return protocol.NullBulk()
	}
	popped := make([]protocol.Value, count)
	if fromLeft {
		copy(popped, list[:count])
		list = list[count:]
	} else {
		for i := int64(0); i < count; i++ {
			popped[i] = list[int64(len(list))-1-i]
		}
		list = list[:int64(len(list))-count]
	}
	ex.storeList(key, list)
	return protocol.ArrSlice(popped)
}

// execBlpop pops immediately if the list is non-empty. Otherwise, if
// blockingAllowed, it registers a blocked wait and returns NoResponse; a
// queued BLPOP running inside EXEC (blockingAllowed == false) never
// actually blocks — it reports the same NullArray a timeout would produce,
// matching real Redis's "does not block inside MULTI" semantics.
func (ex *Executor) execBlpop(cmd command.Command, clientID uint64, blockingAllowed bool) protocol.Value {
	key := string(cmd.Key)
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	if ok {
		if v.Type != protocol.TypeArray {
			return wrongType()
		}
		if len(v.Array) > 0 {
			elem := v.Array[0]
			ex.storeList(key, v.Array[1:])
			return protocol.Arr(protocol.BulkStr(key), elem)
		}
	}
	if !blockingAllowed {
		return protocol.NullArray()
	}
	ex.blocked.Block(clientID, []string{key}, blocked.CommandBLPop, nil, cmd.TimeoutSec, time.Now())
	return protocol.NoResponse
}

func (ex *Executor) execLlen(key string) protocol.Value {
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	if !ok {
		return protocol.Int(0)
	}
	if v.Type != protocol.TypeArray {
		return wrongType()
	}
	return protocol.Int(int64(len(v.Array)))
}

// execLrange follows standard Redis index semantics: negative indices count
// from the end, the end index is inclusive, and both bounds are clamped
// into [0, len).
func (ex *Executor) execLrange(cmd command.Command) protocol.Value {
	key := string(cmd.Key)
	if ex.isStream(key) {
		return wrongType()
	}
	v, ok := ex.store.Get(key)
	if !ok {
		return protocol.Arr()
	}
	if v.Type != protocol.TypeArray {
		return wrongType()
	}
	list := v.Array
	n := int64(len(list))
	start, end := cmd.Start, cmd.End

	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if n == 0 || start > end || start >= n {
		return protocol.Arr()
	}

	out := make([]protocol.Value, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, list[i])
	}
	return protocol.ArrSlice(out)
}

func streamFieldsToCommand(pairs [][2][]byte) []stream.Field {
	fields := make([]stream.Field, len(pairs))
	for i, p := range pairs {
		fields[i] = stream.Field{Name: p[0], Value: p[1]}
	}
	return fields
}

func fieldsToValue(fields []stream.Field) protocol.Value {
	vals := make([]protocol.Value, 0, len(fields)*2)
	for _, f := range fields {
		vals = append(vals, protocol.Bulk(f.Name), protocol.Bulk(f.Value))
	}
	return protocol.ArrSlice(vals)
}

func entryToValue(e stream.Entry) protocol.Value {
	return protocol.Arr(protocol.BulkStr(e.ID.String()), fieldsToValue(e.Fields))
}

func entriesToReply(entries []stream.Entry) protocol.Value {
	items := make([]protocol.Value, len(entries))
	for i, e := range entries {
		items[i] = entryToValue(e)
	}
	return protocol.ArrSlice(items)
}

type keyEntries struct {
	key     string
	entries []stream.Entry
}

func xreadReply(pairs []keyEntries) protocol.Value {
	items := make([]protocol.Value, len(pairs))
	for i, p := range pairs {
		items[i] = protocol.Arr(protocol.BulkStr(p.key), entriesToReply(p.entries))
	}
	return protocol.ArrSlice(items)
}

func streamIDErr(err error) protocol.Value {
	switch {
	case errors.Is(err, stream.ErrZeroID):
		return protocol.SimpleErr("ERR The ID specified in XADD must be greater than 0-0")
	case errors.Is(err, stream.ErrNotMonotonic):
		return protocol.SimpleErr("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	default:
		return protocol.SimpleErr("ERR Invalid stream ID specified as stream command argument")
	}
}

// execXadd resolves and inserts the entry against a fresh stream.New() when
// key has never held a stream, only publishing it into ex.streams once both
// Resolve and Insert succeed — a failing XADD on a brand-new key must leave
// key reading as absent, not create a phantom empty stream that later
// commands mistake for an existing one.
func (ex *Executor) execXadd(cmd command.Command) protocol.Value {
	key := string(cmd.Key)
	if _, ok := ex.store.Get(key); ok {
		return wrongType()
	}
	st, exists := ex.streams[key]
	if !exists {
		st = stream.New()
	}

	id, err := st.Resolve(cmd.StreamID, uint64(time.Now().UnixMilli()))
	if err != nil {
		return streamIDErr(err)
	}
	if err := st.Insert(id, streamFieldsToCommand(cmd.Fields)); err != nil {
		return streamIDErr(err)
	}

	if !exists {
		ex.streams[key] = st
	}
	ex.deliverToStreamWaiters(key, st)
	return protocol.BulkStr(id.String())
}

// deliverToStreamWaiters wakes every XREAD client blocked on key, each
// receiving the entries strictly after the start ID it originally
// requested for this key.
func (ex *Executor) deliverToStreamWaiters(key string, st *stream.Stream) {
	for {
		rec, ok := ex.blocked.NextClientForKey(key, blocked.CommandXRead)
		if !ok {
			return
		}
		start := rec.XReadStarts[key]
		entries := st.RangeQuery(start, stream.MaxID, true)
		if len(entries) == 0 {
			continue
		}
		ex.outbound.Deliver(rec.ClientID, xreadReply([]keyEntries{{key: key, entries: entries}}))
	}
}

func (ex *Executor) execXrange(cmd command.Command) protocol.Value {
	st, ok := ex.streams[string(cmd.Key)]
	if !ok {
		return protocol.Arr()
	}
	start, err := stream.ParseRangeStart(cmd.RangeStart)
	if err != nil {
		return streamIDErr(err)
	}
	end, err := stream.ParseRangeEnd(cmd.RangeEnd)
	if err != nil {
		return streamIDErr(err)
	}
	return entriesToReply(st.RangeQuery(start, end, false))
}

// execXread resolves "$" start markers against each stream's current max ID,
// returns immediately if any key already has matching entries, otherwise
// registers a blocked wait across all requested keys — unless BLOCK was not
// given, or blockingAllowed is false because this call was dispatched from
// inside EXEC, in which case it returns NullArray directly.
func (ex *Executor) execXread(cmd command.Command, clientID uint64, blockingAllowed bool) protocol.Value {
	starts := make(map[string]stream.ID, len(cmd.Keys))
	var pairs []keyEntries

	for i, keyBytes := range cmd.Keys {
		key := string(keyBytes)
		idSpec := cmd.StreamIDs[i]
		st, exists := ex.streams[key]

		var start stream.ID
		if idSpec == "$" {
			if exists {
				start = st.GetMaxID()
			}
		} else {
			parsed, err := stream.ParseID(idSpec)
			if err != nil {
				return streamIDErr(err)
			}
			start = parsed
		}
		starts[key] = start

		if exists {
			if entries := st.RangeQuery(start, stream.MaxID, true); len(entries) > 0 {
				pairs = append(pairs, keyEntries{key: key, entries: entries})
			}
		}
	}

	if len(pairs) > 0 {
		return xreadReply(pairs)
	}
	if !cmd.HasBlock || !blockingAllowed {
		return protocol.NullArray()
	}

	keys := make([]string, len(cmd.Keys))
	for i, k := range cmd.Keys {
		keys[i] = string(k)
	}
	timeoutSec := 0.0
	if cmd.BlockMs > 0 {
		timeoutSec = float64(cmd.BlockMs) / 1000.0
	}
	ex.blocked.Block(clientID, keys, blocked.CommandXRead, starts, timeoutSec, time.Now())
	return protocol.NoResponse
}

func (ex *Executor) execMulti(conn *Connection) protocol.Value {
	if conn.State == StateMulti {
		return protocol.SimpleErr("ERR MULTI calls can not be nested")
	}
	conn.State = StateMulti
	conn.CommandQueue = nil
	return protocol.SimpleStr("OK")
}

func (ex *Executor) execDiscard(conn *Connection) protocol.Value {
	if conn.State != StateMulti {
		return protocol.SimpleErr(ErrState.Error())
	}
	conn.State = StateStandard
	conn.CommandQueue = nil
	return protocol.SimpleStr("OK")
}

// execExec runs the queued commands in enqueue order, collecting each
// reply into a single array; an individual command's error does not abort
// the batch. A queued command that would block (e.g. BLPOP on an empty
// list) cannot suspend mid-batch — dispatch is called with blockingAllowed
// false, so BLPOP/XREAD report their immediate-timeout NullArray directly
// instead of ever registering a blocked wait that EXEC would otherwise have
// to remember to unwind.
func (ex *Executor) execExec(conn *Connection, clientID uint64) protocol.Value {
	if conn.State != StateMulti {
		return protocol.SimpleErr(ErrState.Error())
	}
	queued := conn.CommandQueue
	conn.CommandQueue = nil
	conn.State = StateStandard

	replies := make([]protocol.Value, len(queued))
	for i, c := range queued {
		r := ex.dispatch(c, conn, clientID, false)
		if r.IsNoResponse() {
			r = protocol.NullArray()
		}
		replies[i] = r
	}
	return protocol.ArrSlice(replies)
}

func (ex *Executor) execSubscribe(cmd command.Command, conn *Connection, clientID uint64) protocol.Value {
	if conn.Channels == nil {
		conn.Channels = make(map[string]bool)
	}
	if !conn.Channels[cmd.Channel] {
		conn.Channels[cmd.Channel] = true
		conn.SubCount++
		if ex.pubsub[cmd.Channel] == nil {
			ex.pubsub[cmd.Channel] = make(map[uint64]bool)
		}
		ex.pubsub[cmd.Channel][clientID] = true
	}
	conn.State = StateSubscribed
	return protocol.Arr(protocol.BulkStr("subscribe"), protocol.BulkStr(cmd.Channel), protocol.Int(int64(conn.SubCount)))
}

// execUnsubscribe clamps SubCount at 0 by construction: it only ever
// decrements after confirming the channel was actually subscribed.
func (ex *Executor) execUnsubscribe(cmd command.Command, conn *Connection, clientID uint64) protocol.Value {
	if conn.Channels[cmd.Channel] {
		delete(conn.Channels, cmd.Channel)
		if conn.SubCount > 0 {
			conn.SubCount--
		}
		if subs := ex.pubsub[cmd.Channel]; subs != nil {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(ex.pubsub, cmd.Channel)
			}
		}
	}
	if conn.SubCount == 0 {
		conn.State = StateStandard
	}
	return protocol.Arr(protocol.BulkStr("unsubscribe"), protocol.BulkStr(cmd.Channel), protocol.Int(int64(conn.SubCount)))
}

func (ex *Executor) execPublish(cmd command.Command) protocol.Value {
	subs := ex.pubsub[cmd.Channel]
	count := 0
	for clientID := range subs {
		ex.outbound.Deliver(clientID, protocol.Arr(protocol.BulkStr("message"), protocol.BulkStr(cmd.Channel), protocol.Bulk(cmd.Message)))
		count++
	}
	return protocol.Int(int64(count))
}

// ExpireTimeouts pops every blocked waiter whose deadline has passed and
// delivers NullArray, the timeout reply for BLPOP/XREAD.
func (ex *Executor) ExpireTimeouts(now time.Time) {
	for _, rec := range ex.blocked.ExpireBefore(now) {
		ex.outbound.Deliver(rec.ClientID, protocol.NullArray())
	}
}

// EarliestDeadline exposes the blocked registry's next wakeup so the event
// loop can size its select timeout.
func (ex *Executor) EarliestDeadline() (time.Time, bool) {
	return ex.blocked.EarliestTimeout()
}

// Disconnect purges every trace of clientID from the blocked registry and
// the pub/sub registry. The server calls this once, on connection teardown.
func (ex *Executor) Disconnect(conn *Connection) {
	ex.blocked.Unblock(conn.ID)
	for ch := range conn.Channels {
		if subs := ex.pubsub[ch]; subs != nil {
			delete(subs, conn.ID)
			if len(subs) == 0 {
				delete(ex.pubsub, ch)
			}
		}
	}
}
