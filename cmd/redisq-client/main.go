// redisq-client is a minimal hand-rolled RESP smoke-test client: it dials a
// running redisq server, round-trips a handful of representative commands,
// and prints the raw replies so a developer can eyeball the wire format.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "Server address")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	send := func(label, raw string) {
		fmt.Printf(">>> %s\n", label)
		fmt.Fprint(conn, raw)
		line, _ := reader.ReadString('\n')
		fmt.Printf("<<< %s", line)
		switch {
		case len(line) > 0 && line[0] == '$' && line[1] != '-':
			val, _ := reader.ReadString('\n')
			fmt.Printf("<<< %s", val)
		case len(line) > 0 && (line[0] == '*' || line[0] == '%') && line[1] != '-':
			// Leave nested elements unread; this client only smoke-tests
			// top-level framing, not full recursive decoding.
		}
	}

	send("PING", "*1\r\n$4\r\nPING\r\n")
	send("SET greeting hello", "*3\r\n$3\r\nSET\r\n$8\r\ngreeting\r\n$5\r\nhello\r\n")
	send("GET greeting", "*2\r\n$3\r\nGET\r\n$8\r\ngreeting\r\n")
	send("INCR counter", "*2\r\n$4\r\nINCR\r\n$7\r\ncounter\r\n")
	send("RPUSH mylist a b c", "*5\r\n$5\r\nRPUSH\r\n$6\r\nmylist\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n")
	send("LLEN mylist", "*2\r\n$4\r\nLLEN\r\n$6\r\nmylist\r\n")
	send("TYPE mylist", "*2\r\n$4\r\nTYPE\r\n$6\r\nmylist\r\n")

	fmt.Println("\n✓ smoke test complete")
}
