// Command autophonectl is a thin client for the command console
// (internal/console): it sends one line built from its arguments and
// prints every reply line the server sends back until a line reading "ok"
// arrives, the connection closes, or the read goes idle.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:28001", "command console address")
	timeout := flag.Duration("timeout", 5*time.Second, "reply read timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: autophonectl [-addr host:port] <verb> [args...]")
		os.Exit(2)
	}

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	line := strings.Join(flag.Args(), " ")
	if _, err := fmt.Fprintln(conn, line); err != nil {
		fmt.Fprintf(os.Stderr, "send command: %v\n", err)
		os.Exit(1)
	}

	reader := bufio.NewScanner(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(*timeout))
		if !reader.Scan() {
			break
		}
		reply := reader.Text()
		fmt.Println(reply)
		if reply == "ok" {
			break
		}
	}
}
